package alerts

import (
	"context"
	"testing"
	"time"

	"tradeledger/internal/events"
	"tradeledger/internal/ledger"
	"tradeledger/internal/models"
	"tradeledger/internal/pricecache"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	eval   *Evaluator
	prices *pricecache.Cache
	events <-chan events.Event
	clock  time.Time
}

func setupTest(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.PriceAlert{}))

	logger := zap.NewNop()
	prices := pricecache.NewCache()
	bus := events.NewBus(logger, 64)
	ch, _ := bus.Subscribe()

	return &testEnv{
		eval:   NewEvaluator(logger, db, prices, bus),
		prices: prices,
		events: ch,
		clock:  time.Now().UTC(),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// tick applies a price through the cache and evaluator, the same path the
// engine drives.
func (env *testEnv) tick(t *testing.T, symbol, price string) {
	env.clock = env.clock.Add(time.Second)
	pt := pricecache.PriceTick{
		Symbol:    symbol,
		Price:     dec(price),
		Timestamp: env.clock,
	}
	require.NoError(t, env.prices.Update(pt))
	env.eval.OnTick(context.Background(), pt)
}

func (env *testEnv) firedCount() int {
	fired := 0
	for {
		select {
		case ev := <-env.events:
			if _, ok := ev.(events.AlertTriggered); ok {
				fired++
			}
		default:
			return fired
		}
	}
}

func TestOnTick_ExactlyOneTriggerPerCrossing(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	alert, err := env.eval.Create(ctx, "alice", "BTCUSDT", dec("60000"), models.AlertAbove)
	require.NoError(t, err)

	// Sequence: 59,000 -> 59,500 -> 60,200 -> 59,800 -> 60,100.
	// Exactly one trigger, on the 60,200 tick.
	env.tick(t, "BTCUSDT", "59000")
	env.tick(t, "BTCUSDT", "59500")
	assert.Equal(t, 0, env.firedCount())

	env.tick(t, "BTCUSDT", "60200")
	assert.Equal(t, 1, env.firedCount())

	env.tick(t, "BTCUSDT", "59800")
	env.tick(t, "BTCUSDT", "60100")
	assert.Equal(t, 0, env.firedCount(), "re-crossing without reset must not re-trigger")

	got, err := env.eval.ListByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, alert.ID, got[0].ID)
	assert.Equal(t, models.AlertTriggered, got[0].State)
	assert.NotNil(t, got[0].TriggeredAt)
}

func TestOnTick_BelowDirection(t *testing.T) {
	env := setupTest(t)

	_, err := env.eval.Create(context.Background(), "alice", "ETHUSDT", dec("1800"), models.AlertBelow)
	require.NoError(t, err)

	env.tick(t, "ETHUSDT", "1900")
	assert.Equal(t, 0, env.firedCount())

	env.tick(t, "ETHUSDT", "1750")
	assert.Equal(t, 1, env.firedCount())
}

func TestCreate_WhilePriceAlreadySatisfies(t *testing.T) {
	env := setupTest(t)

	// Price is already past the threshold when the alert is created; the
	// alert arms satisfied and only a fresh crossing fires it.
	env.tick(t, "BTCUSDT", "61000")
	_, err := env.eval.Create(context.Background(), "alice", "BTCUSDT", dec("60000"), models.AlertAbove)
	require.NoError(t, err)

	env.tick(t, "BTCUSDT", "61500")
	assert.Equal(t, 0, env.firedCount())

	env.tick(t, "BTCUSDT", "59000")
	env.tick(t, "BTCUSDT", "60500")
	assert.Equal(t, 1, env.firedCount())
}

func TestReset_ReArmsForNextCrossing(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	alert, err := env.eval.Create(ctx, "alice", "BTCUSDT", dec("60000"), models.AlertAbove)
	require.NoError(t, err)

	env.tick(t, "BTCUSDT", "59000")
	env.tick(t, "BTCUSDT", "60500")
	require.Equal(t, 1, env.firedCount())

	// Reset while the price still satisfies: no instant re-fire.
	reset, err := env.eval.Reset(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertActive, reset.State)
	assert.Nil(t, reset.TriggeredAt)

	env.tick(t, "BTCUSDT", "60800")
	assert.Equal(t, 0, env.firedCount())

	env.tick(t, "BTCUSDT", "59500")
	env.tick(t, "BTCUSDT", "60100")
	assert.Equal(t, 1, env.firedCount())
}

func TestReset_RequiresTriggeredState(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	alert, err := env.eval.Create(ctx, "alice", "BTCUSDT", dec("60000"), models.AlertAbove)
	require.NoError(t, err)

	_, err = env.eval.Reset(ctx, alert.ID)
	assert.ErrorIs(t, err, ErrNotResettable)
}

func TestCancel_DisarmsAlert(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	alert, err := env.eval.Create(ctx, "alice", "BTCUSDT", dec("60000"), models.AlertAbove)
	require.NoError(t, err)
	require.NoError(t, env.eval.Cancel(ctx, alert.ID))

	env.tick(t, "BTCUSDT", "61000")
	assert.Equal(t, 0, env.firedCount())

	got, err := env.eval.ListByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.AlertCancelled, got[0].State)
}

func TestCreate_Validation(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	_, err := env.eval.Create(ctx, "", "BTCUSDT", dec("60000"), models.AlertAbove)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = env.eval.Create(ctx, "alice", "BTCUSDT", dec("0"), models.AlertAbove)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = env.eval.Create(ctx, "alice", "BTCUSDT", dec("60000"), "sideways")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestRehydrate_RestoresActiveAlerts(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	_, err := env.eval.Create(ctx, "alice", "BTCUSDT", dec("60000"), models.AlertAbove)
	require.NoError(t, err)
	env.tick(t, "BTCUSDT", "59000")

	// A fresh evaluator over the same database arms the alert again.
	bus := events.NewBus(zap.NewNop(), 64)
	ch, _ := bus.Subscribe()
	fresh := NewEvaluator(zap.NewNop(), env.eval.db, env.prices, bus)
	require.NoError(t, fresh.Rehydrate(ctx))

	env.clock = env.clock.Add(time.Second)
	pt := pricecache.PriceTick{Symbol: "BTCUSDT", Price: dec("60500"), Timestamp: env.clock}
	require.NoError(t, env.prices.Update(pt))
	fresh.OnTick(ctx, pt)

	select {
	case ev := <-ch:
		_, ok := ev.(events.AlertTriggered)
		assert.True(t, ok)
	default:
		t.Fatal("expected AlertTriggered after rehydrate")
	}
}
