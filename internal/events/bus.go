package events

import (
	"sync"
	"time"

	"tradeledger/internal/models"
	"tradeledger/internal/pricecache"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Event is a typed notification emitted by the engine. Delivery and fan-out
// beyond this process is a collaborator's job; the engine's responsibility
// ends at publishing.
type Event interface {
	Kind() string
}

// OrderResolved is emitted once per order reaching a terminal state.
// Transaction is nil for rejected and cancelled orders.
type OrderResolved struct {
	Order       models.Order
	Transaction *models.Transaction
}

func (OrderResolved) Kind() string { return "order_resolved" }

// AlertTriggered is emitted exactly once per threshold crossing.
type AlertTriggered struct {
	AlertID     uint
	UserID      string
	AssetSymbol string
	Threshold   decimal.Decimal
	Price       decimal.Decimal
	TriggeredAt time.Time
}

func (AlertTriggered) Kind() string { return "alert_triggered" }

// PriceUpdated is emitted for every tick the price cache accepts.
type PriceUpdated struct {
	Tick pricecache.PriceTick
}

func (PriceUpdated) Kind() string { return "price_updated" }

// Bus is an in-memory publish/subscribe fan-out. Publish never blocks: a
// subscriber whose buffer is full misses the event (logged), so a slow
// consumer cannot stall order resolution or tick ingestion.
type Bus struct {
	logger *zap.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates a bus whose subscribers receive events on channels with the
// given buffer size.
func NewBus(logger *zap.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		logger: logger.Named("events"),
		buffer: buffer,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a new consumer and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				zap.String("kind", ev.Kind()), zap.Int("subscriber", id))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
