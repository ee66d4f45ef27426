package engine

import (
	"context"
	"testing"
	"time"

	"tradeledger/internal/config"
	"tradeledger/internal/database"
	"tradeledger/internal/events"
	"tradeledger/internal/feed"
	"tradeledger/internal/models"
	"tradeledger/internal/orders"
	"tradeledger/internal/pricecache"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// nopClient satisfies the feed interface for tests that drive ticks by hand.
type nopClient struct{}

func (nopClient) FetchQuotes(ctx context.Context) ([]feed.Quote, error) {
	return nil, nil
}

func setupEngine(t *testing.T) *Engine {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	cfg := &config.Config{
		Feed:    config.Feed{Symbols: []string{"BTCUSDT"}, PollInterval: 1},
		Trading: config.Trading{FeeRate: 0.001},
	}
	require.NoError(t, database.Migrate(db, cfg))

	return New(zap.NewNop(), cfg, db, nopClient{})
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func tick(price string, at time.Time) pricecache.PriceTick {
	return pricecache.PriceTick{Symbol: "BTCUSDT", Price: dec(price), Timestamp: at}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestApplyTick_RoutesAcceptedTicks(t *testing.T) {
	eng := setupEngine(t)
	ctx := context.Background()
	ch, cancel := eng.Events().Subscribe()
	defer cancel()

	// Arm an alert and rest a limit buy below the market.
	_, err := eng.Alerts().Create(ctx, "alice", "BTCUSDT", dec("60000"), models.AlertAbove)
	require.NoError(t, err)

	eng.ApplyTick(ctx, tick("55000", time.Now().UTC()))

	order, err := eng.Orders().Submit(ctx, orders.OrderRequest{
		UserID:      "bob",
		AssetSymbol: "BTCUSDT",
		Side:        models.SideBuy,
		Kind:        models.KindLimit,
		Quantity:    dec("1"),
		LimitPrice:  dec("54000"),
	})
	require.NoError(t, err)
	require.Equal(t, models.OrderPending, order.State)
	drain(ch)

	// One tick crosses the alert threshold; the limit stays unsatisfied.
	eng.ApplyTick(ctx, tick("60500", time.Now().UTC().Add(time.Second)))

	var kinds []string
	for _, ev := range drain(ch) {
		kinds = append(kinds, ev.Kind())
	}
	assert.Contains(t, kinds, "alert_triggered")
	assert.Contains(t, kinds, "price_updated")
	assert.NotContains(t, kinds, "order_resolved")

	// The next tick satisfies the resting limit.
	eng.ApplyTick(ctx, tick("53500", time.Now().UTC().Add(2*time.Second)))
	got, err := eng.Orders().Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, got.State)
}

func TestApplyTick_StaleTickChangesNothing(t *testing.T) {
	eng := setupEngine(t)
	ctx := context.Background()
	ch, cancel := eng.Events().Subscribe()
	defer cancel()

	_, err := eng.Alerts().Create(ctx, "alice", "BTCUSDT", dec("60000"), models.AlertAbove)
	require.NoError(t, err)

	now := time.Now().UTC()
	eng.ApplyTick(ctx, tick("59000", now))
	drain(ch)

	// A stale tick above the threshold must not reach the evaluators.
	eng.ApplyTick(ctx, tick("61000", now.Add(-time.Minute)))
	assert.Empty(t, drain(ch))

	got, err := eng.Prices().Current("BTCUSDT")
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(dec("59000")))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	eng := setupEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on context cancel")
	}
}
