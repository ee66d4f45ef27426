package engine

import (
	"context"
	"errors"
	"fmt"

	"tradeledger/internal/alerts"
	"tradeledger/internal/config"
	"tradeledger/internal/events"
	"tradeledger/internal/feed"
	"tradeledger/internal/ledger"
	"tradeledger/internal/orders"
	"tradeledger/internal/pricecache"
	"tradeledger/internal/valuation"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine owns the tick path: every inbound price goes through the cache's
// staleness gate first, and only accepted ticks fan out to alert evaluation
// and resting limit-order re-checks.
type Engine struct {
	logger    *zap.Logger
	cfg       *config.Config
	prices    *pricecache.Cache
	ledger    *ledger.Store
	orders    *orders.Processor
	alerts    *alerts.Evaluator
	valuation *valuation.Engine
	bus       *events.Bus
	poller    *feed.Poller
}

// New wires the engine together on top of an opened database and a feed
// client.
func New(logger *zap.Logger, cfg *config.Config, db *gorm.DB, client feed.ClientInterface) *Engine {
	e := &Engine{
		logger: logger,
		cfg:    cfg,
		prices: pricecache.NewCache(),
		bus:    events.NewBus(logger, 256),
	}

	e.ledger = ledger.NewStore(logger, db)
	e.orders = orders.NewProcessor(logger, db, e.ledger, e.prices, e.bus,
		decimal.NewFromFloat(cfg.Trading.FeeRate),
		decimal.NewFromFloat(cfg.Trading.MaxOrderQuantity))
	e.alerts = alerts.NewEvaluator(logger, db, e.prices, e.bus)
	e.valuation = valuation.NewEngine(logger, e.ledger, e.prices)
	e.poller = feed.NewPoller(logger, &cfg.Feed, client, func(tick pricecache.PriceTick) {
		e.ApplyTick(context.Background(), tick)
	})

	return e
}

// Run rebuilds in-memory state and polls the feed until the context is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Initializing ledger engine...")
	if err := e.orders.Rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to rehydrate orders: %w", err)
	}
	if err := e.alerts.Rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to rehydrate alerts: %w", err)
	}
	e.logger.Info("Engine initialized successfully.")

	e.poller.Run(ctx)

	e.bus.Close()
	e.logger.Info("Ledger engine stopped.")
	return nil
}

// ApplyTick pushes one tick through the cache and, when accepted, through
// the evaluators. Stale ticks change nothing observable.
func (e *Engine) ApplyTick(ctx context.Context, tick pricecache.PriceTick) {
	if err := e.prices.Update(tick); err != nil {
		if errors.Is(err, pricecache.ErrStaleTick) {
			e.logger.Debug("Ignoring stale tick",
				zap.String("symbol", tick.Symbol), zap.Uint64("sequence", tick.Sequence))
			return
		}
		e.logger.Error("Failed to apply tick", zap.Error(err))
		return
	}

	e.alerts.OnTick(ctx, tick)
	e.orders.OnTick(ctx, tick)
	e.bus.Publish(events.PriceUpdated{Tick: tick})
}

// Orders exposes the order processor to the request-handling boundary.
func (e *Engine) Orders() *orders.Processor { return e.orders }

// Ledger exposes the ledger's read surface and transfer operations.
func (e *Engine) Ledger() *ledger.Store { return e.ledger }

// Alerts exposes alert management.
func (e *Engine) Alerts() *alerts.Evaluator { return e.alerts }

// Valuation exposes on-demand portfolio snapshots.
func (e *Engine) Valuation() *valuation.Engine { return e.valuation }

// Prices exposes the read side of the price cache.
func (e *Engine) Prices() *pricecache.Cache { return e.prices }

// Events exposes the outbound event bus for notification collaborators.
func (e *Engine) Events() *events.Bus { return e.bus }
