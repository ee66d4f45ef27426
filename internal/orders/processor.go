package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeledger/internal/events"
	"tradeledger/internal/ledger"
	"tradeledger/internal/models"
	"tradeledger/internal/pricecache"
	"tradeledger/pkg/id"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrAlreadyResolved marks a cancel attempt that lost the race against
// resolution. It is a normal outcome, not a failure to retry.
var ErrAlreadyResolved = errors.New("order already resolved")

// OrderRequest is an order submission from the request-handling boundary.
// Authentication and authorization are already settled by the time a
// request reaches the processor.
type OrderRequest struct {
	UserID      string
	AssetSymbol string
	Side        models.OrderSide
	Kind        models.OrderKind
	Quantity    decimal.Decimal
	LimitPrice  decimal.Decimal // required for limit orders, ignored otherwise
}

// Processor validates and executes orders against the price cache, writing
// fills to the ledger. Pending limit orders live in an in-memory per-asset
// index and get one best-effort re-check on every accepted tick.
type Processor struct {
	logger  *zap.Logger
	db      *gorm.DB
	ledger  *ledger.Store
	prices  *pricecache.Cache
	bus     *events.Bus
	feeRate decimal.Decimal
	maxQty  decimal.Decimal // zero disables the cap

	mu       sync.Mutex
	pending  map[string]map[string]struct{} // asset -> set of pending limit order ids
	inFlight sync.Map                       // order id -> *sync.Mutex
}

// NewProcessor creates an order processor. feeRate is the per-trade fee as
// a fraction of notional; maxQty of zero leaves order size uncapped.
func NewProcessor(logger *zap.Logger, db *gorm.DB, store *ledger.Store, prices *pricecache.Cache, bus *events.Bus, feeRate, maxQty decimal.Decimal) *Processor {
	return &Processor{
		logger:  logger.Named("orders"),
		db:      db,
		ledger:  store,
		prices:  prices,
		bus:     bus,
		feeRate: feeRate,
		maxQty:  maxQty,
		pending: make(map[string]map[string]struct{}),
	}
}

// Rehydrate rebuilds the pending limit-order index from the database after
// a restart, so resting orders survive process boundaries.
func (p *Processor) Rehydrate(ctx context.Context) error {
	var open []models.Order
	err := p.db.WithContext(ctx).
		Where("state = ? AND kind = ?", models.OrderPending, models.KindLimit).
		Find(&open).Error
	if err != nil {
		return fmt.Errorf("failed to load pending orders: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range open {
		p.indexLocked(o)
	}
	if len(open) > 0 {
		p.logger.Info("Rehydrated pending limit orders", zap.Int("count", len(open)))
	}
	return nil
}

// Submit validates the request and resolves the order. Market orders fill
// at the current cached price or fail with ErrNoPriceAvailable. Limit
// orders fill immediately when the current price satisfies the limit and
// otherwise rest as pending.
//
// The error is non-nil only for validation problems; business rejections
// (insufficient holding, no price) come back as a rejected order with its
// Reason set, mirroring how the ledger reports them.
func (p *Processor) Submit(ctx context.Context, req OrderRequest) (models.Order, error) {
	if err := p.validate(ctx, req); err != nil {
		return models.Order{}, err
	}

	order := models.Order{
		ID:          id.New(),
		UserID:      req.UserID,
		AssetSymbol: req.AssetSymbol,
		Side:        req.Side,
		Kind:        req.Kind,
		Quantity:    req.Quantity,
		State:       models.OrderPending,
		CreatedAt:   time.Now().UTC(),
	}
	if req.Kind == models.KindLimit {
		order.LimitPrice = decimal.NewNullDecimal(req.LimitPrice)
	}

	if err := p.db.WithContext(ctx).Create(&order).Error; err != nil {
		return models.Order{}, fmt.Errorf("failed to persist order: %w", err)
	}

	l := p.logger.With(
		zap.String("order_id", order.ID),
		zap.String("user", order.UserID),
		zap.String("asset", order.AssetSymbol),
		zap.String("side", string(order.Side)),
		zap.String("kind", string(order.Kind)),
	)

	tick, err := p.prices.Current(order.AssetSymbol)
	if err != nil {
		if order.Kind == models.KindMarket {
			l.Info("Rejecting market order, no cached price")
			return p.resolveTerminal(ctx, order.ID, models.OrderRejected, "no price available", nil)
		}
		// A limit order can rest until the first tick arrives.
		p.index(order)
		l.Info("Limit order resting, no cached price yet")
		return order, nil
	}

	if order.Kind == models.KindLimit && !limitSatisfied(order, tick.Price) {
		p.index(order)
		l.Info("Limit order resting", zap.String("limit", req.LimitPrice.String()),
			zap.String("current", tick.Price.String()))
		return order, nil
	}

	return p.execute(ctx, order.ID, tick.Price)
}

// Cancel moves a pending order to cancelled. Once resolution has started
// the cancel loses the race and reports ErrAlreadyResolved.
func (p *Processor) Cancel(ctx context.Context, orderID string) (models.Order, error) {
	lock := p.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := p.Get(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.State.Terminal() {
		return order, fmt.Errorf("order %s is %s: %w", orderID, order.State, ErrAlreadyResolved)
	}

	return p.terminalLocked(ctx, order, models.OrderCancelled, "cancelled by user", nil)
}

// Get loads one order by id.
func (p *Processor) Get(ctx context.Context, orderID string) (models.Order, error) {
	var order models.Order
	err := p.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Order{}, fmt.Errorf("order %s: %w", orderID, ledger.ErrValidation)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to load order: %w", err)
	}
	return order, nil
}

// OnTick gives every resting limit order for the tick's asset one
// best-effort fill check at the new price.
func (p *Processor) OnTick(ctx context.Context, tick pricecache.PriceTick) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.pending[tick.Symbol]))
	for orderID := range p.pending[tick.Symbol] {
		ids = append(ids, orderID)
	}
	p.mu.Unlock()

	for _, orderID := range ids {
		order, err := p.Get(ctx, orderID)
		if err != nil {
			p.logger.Error("Failed to load resting order for re-check", zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		if order.State.Terminal() {
			p.unindex(order)
			continue
		}
		if !limitSatisfied(order, tick.Price) {
			continue
		}
		if _, err := p.execute(ctx, orderID, tick.Price); err != nil {
			p.logger.Error("Failed to execute resting order", zap.String("order_id", orderID), zap.Error(err))
		}
	}
}

// execute fills the order at the given price, appending the trade to the
// ledger. A ledger business rejection turns the order rejected; a
// successful append turns it filled. Either way the order leaves pending
// exactly once, under its per-order lock.
func (p *Processor) execute(ctx context.Context, orderID string, price decimal.Decimal) (models.Order, error) {
	lock := p.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := p.Get(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.State.Terminal() {
		return order, nil
	}

	txType := models.TxBuy
	if order.Side == models.SideSell {
		txType = models.TxSell
	}
	fee := order.Quantity.Mul(price).Mul(p.feeRate)

	tx, err := p.ledger.Append(ctx, models.Transaction{
		OrderID:     &order.ID,
		UserID:      order.UserID,
		AssetSymbol: order.AssetSymbol,
		Type:        txType,
		Quantity:    order.Quantity,
		Price:       price,
		Fee:         fee,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientHolding) || errors.Is(err, ledger.ErrConcurrencyConflict) {
			return p.terminalLocked(ctx, order, models.OrderRejected, "insufficient holding", nil)
		}
		// Infrastructure failure: the order stays pending and may be
		// re-resolved; the ledger's per-order idempotency makes that safe.
		return order, fmt.Errorf("ledger append failed for order %s: %w", order.ID, err)
	}

	return p.terminalLocked(ctx, order, models.OrderFilled, "", &tx)
}

// resolveTerminal is a convenience wrapper taking the per-order lock.
func (p *Processor) resolveTerminal(ctx context.Context, orderID string, state models.OrderState, reason string, tx *models.Transaction) (models.Order, error) {
	lock := p.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := p.Get(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.State.Terminal() {
		return order, nil
	}
	return p.terminalLocked(ctx, order, state, reason, tx)
}

// terminalLocked commits the pending -> terminal transition. Caller holds
// the per-order lock.
func (p *Processor) terminalLocked(ctx context.Context, order models.Order, state models.OrderState, reason string, tx *models.Transaction) (models.Order, error) {
	now := time.Now().UTC()
	res := p.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND state = ?", order.ID, models.OrderPending).
		Updates(map[string]any{"state": state, "reason": reason, "resolved_at": now})
	if res.Error != nil {
		return models.Order{}, fmt.Errorf("failed to resolve order %s: %w", order.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Someone else resolved it first; report what the row says now.
		return p.Get(ctx, order.ID)
	}

	order.State = state
	order.Reason = reason
	order.ResolvedAt = &now
	p.unindex(order)
	p.inFlight.Delete(order.ID)

	p.logger.Info("Order resolved",
		zap.String("order_id", order.ID),
		zap.String("state", string(state)),
		zap.String("reason", reason),
	)
	p.bus.Publish(events.OrderResolved{Order: order, Transaction: tx})
	return order, nil
}

func (p *Processor) validate(ctx context.Context, req OrderRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("order without user id: %w", ledger.ErrValidation)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("order quantity %s must be positive: %w", req.Quantity, ledger.ErrValidation)
	}
	if p.maxQty.IsPositive() && req.Quantity.GreaterThan(p.maxQty) {
		return fmt.Errorf("order quantity %s exceeds cap %s: %w", req.Quantity, p.maxQty, ledger.ErrValidation)
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return fmt.Errorf("unknown order side %q: %w", req.Side, ledger.ErrValidation)
	}
	switch req.Kind {
	case models.KindMarket:
	case models.KindLimit:
		if !req.LimitPrice.IsPositive() {
			return fmt.Errorf("limit price %s must be positive: %w", req.LimitPrice, ledger.ErrValidation)
		}
	default:
		return fmt.Errorf("unknown order kind %q: %w", req.Kind, ledger.ErrValidation)
	}

	var asset models.Asset
	err := p.db.WithContext(ctx).Where("symbol = ?", req.AssetSymbol).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("asset %s: %w", req.AssetSymbol, ledger.ErrUnknownAsset)
	}
	if err != nil {
		return fmt.Errorf("failed to look up asset: %w", err)
	}
	if !asset.Active || !asset.Tradeable {
		return fmt.Errorf("asset %s is not tradeable: %w", req.AssetSymbol, ledger.ErrValidation)
	}
	return nil
}

func limitSatisfied(order models.Order, price decimal.Decimal) bool {
	if !order.LimitPrice.Valid {
		return true
	}
	if order.Side == models.SideBuy {
		return price.LessThanOrEqual(order.LimitPrice.Decimal)
	}
	return price.GreaterThanOrEqual(order.LimitPrice.Decimal)
}

func (p *Processor) lockFor(orderID string) *sync.Mutex {
	l, _ := p.inFlight.LoadOrStore(orderID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (p *Processor) index(order models.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.indexLocked(order)
}

func (p *Processor) indexLocked(order models.Order) {
	set, ok := p.pending[order.AssetSymbol]
	if !ok {
		set = make(map[string]struct{})
		p.pending[order.AssetSymbol] = set
	}
	set[order.ID] = struct{}{}
}

func (p *Processor) unindex(order models.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.pending[order.AssetSymbol]; ok {
		delete(set, order.ID)
		if len(set) == 0 {
			delete(p.pending, order.AssetSymbol)
		}
	}
}
