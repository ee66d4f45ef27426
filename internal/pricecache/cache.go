package pricecache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrStaleTick marks a price update not newer than the cached one. It is
	// an expected outcome under at-least-once delivery, not a failure;
	// callers log and move on.
	ErrStaleTick = errors.New("stale price tick")

	// ErrNoPriceAvailable marks a lookup against an asset that has never
	// received a tick.
	ErrNoPriceAvailable = errors.New("no price available")
)

// PriceTick is one timestamped price observation from the market-data feed.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
}

// entry holds the latest tick for one asset. Writers serialize on mu;
// readers load the pointer without taking any lock, so they observe either
// the previous or the new tick, never a partial one.
type entry struct {
	mu   sync.Mutex
	tick atomic.Pointer[PriceTick]
}

// Cache holds the latest known price per asset. It is the only structure
// mutated by the ingestion path; every other component reads through
// Current and never sees intermediate state.
type Cache struct {
	entries sync.Map // symbol -> *entry
}

// NewCache creates an empty price cache.
func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) entryFor(symbol string) *entry {
	if e, ok := c.entries.Load(symbol); ok {
		return e.(*entry)
	}
	e, _ := c.entries.LoadOrStore(symbol, &entry{})
	return e.(*entry)
}

// Update applies a tick if it is strictly newer than the cached one for the
// same asset. Older or equal-timestamp ticks return ErrStaleTick and leave
// the cache untouched, which makes redelivery of an already-applied tick a
// no-op for every downstream consumer.
func (c *Cache) Update(tick PriceTick) error {
	e := c.entryFor(tick.Symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur := e.tick.Load(); cur != nil && !tick.Timestamp.After(cur.Timestamp) {
		return fmt.Errorf("tick for %s at %s not newer than cached %s: %w",
			tick.Symbol, tick.Timestamp.Format(time.RFC3339Nano),
			cur.Timestamp.Format(time.RFC3339Nano), ErrStaleTick)
	}

	t := tick
	e.tick.Store(&t)
	return nil
}

// Current returns the latest tick for the asset, or ErrNoPriceAvailable if
// the asset has never received one.
func (c *Cache) Current(symbol string) (PriceTick, error) {
	e, ok := c.entries.Load(symbol)
	if !ok {
		return PriceTick{}, fmt.Errorf("asset %s: %w", symbol, ErrNoPriceAvailable)
	}
	tick := e.(*entry).tick.Load()
	if tick == nil {
		return PriceTick{}, fmt.Errorf("asset %s: %w", symbol, ErrNoPriceAvailable)
	}
	return *tick, nil
}

// Symbols returns the assets that currently have a cached price.
func (c *Cache) Symbols() []string {
	var symbols []string
	c.entries.Range(func(key, value any) bool {
		if value.(*entry).tick.Load() != nil {
			symbols = append(symbols, key.(string))
		}
		return true
	})
	return symbols
}
