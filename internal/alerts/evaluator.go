package alerts

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

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotResettable marks a reset attempt on an alert that is not triggered.
var ErrNotResettable = errors.New("alert is not triggered")

// armed is the in-memory evaluation state of one active alert. satisfied
// remembers whether the last evaluated price met the condition, so a
// trigger only fires on the not-satisfied -> satisfied edge.
type armed struct {
	alert     models.PriceAlert
	satisfied bool
}

// Evaluator scans active price alerts on every accepted tick and fires each
// at most once per crossing. Alerts are persisted; the per-asset index is
// in-memory and rebuilt on startup.
type Evaluator struct {
	logger *zap.Logger
	db     *gorm.DB
	prices *pricecache.Cache
	bus    *events.Bus

	mu     sync.Mutex
	active map[string]map[uint]*armed // asset -> alert id -> armed state
}

// NewEvaluator creates an alert evaluator.
func NewEvaluator(logger *zap.Logger, db *gorm.DB, prices *pricecache.Cache, bus *events.Bus) *Evaluator {
	return &Evaluator{
		logger: logger.Named("alerts"),
		db:     db,
		prices: prices,
		bus:    bus,
		active: make(map[string]map[uint]*armed),
	}
}

// Rehydrate rebuilds the active-alert index from the database.
func (e *Evaluator) Rehydrate(ctx context.Context) error {
	var alerts []models.PriceAlert
	err := e.db.WithContext(ctx).Where("state = ?", models.AlertActive).Find(&alerts).Error
	if err != nil {
		return fmt.Errorf("failed to load active alerts: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range alerts {
		e.armLocked(a)
	}
	if len(alerts) > 0 {
		e.logger.Info("Rehydrated active alerts", zap.Int("count", len(alerts)))
	}
	return nil
}

// Create persists and arms a new active alert. If the current price already
// satisfies the condition the alert is armed as satisfied, so it fires only
// once the price leaves the threshold and crosses back.
func (e *Evaluator) Create(ctx context.Context, userID, asset string, threshold decimal.Decimal, direction models.AlertDirection) (models.PriceAlert, error) {
	if userID == "" {
		return models.PriceAlert{}, fmt.Errorf("alert without user id: %w", ledger.ErrValidation)
	}
	if asset == "" {
		return models.PriceAlert{}, fmt.Errorf("alert without asset: %w", ledger.ErrValidation)
	}
	if !threshold.IsPositive() {
		return models.PriceAlert{}, fmt.Errorf("alert threshold %s must be positive: %w", threshold, ledger.ErrValidation)
	}
	if direction != models.AlertAbove && direction != models.AlertBelow {
		return models.PriceAlert{}, fmt.Errorf("unknown alert direction %q: %w", direction, ledger.ErrValidation)
	}

	alert := models.PriceAlert{
		UserID:      userID,
		AssetSymbol: asset,
		Threshold:   threshold,
		Direction:   direction,
		State:       models.AlertActive,
	}
	if err := e.db.WithContext(ctx).Create(&alert).Error; err != nil {
		return models.PriceAlert{}, fmt.Errorf("failed to persist alert: %w", err)
	}

	e.mu.Lock()
	e.armLocked(alert)
	e.mu.Unlock()

	e.logger.Info("Alert created",
		zap.Uint("alert_id", alert.ID),
		zap.String("asset", asset),
		zap.String("direction", string(direction)),
		zap.String("threshold", threshold.String()),
	)
	return alert, nil
}

// Cancel disarms and cancels an active alert.
func (e *Evaluator) Cancel(ctx context.Context, alertID uint) error {
	res := e.db.WithContext(ctx).Model(&models.PriceAlert{}).
		Where("id = ? AND state = ?", alertID, models.AlertActive).
		Update("state", models.AlertCancelled)
	if res.Error != nil {
		return fmt.Errorf("failed to cancel alert %d: %w", alertID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("alert %d is not active: %w", alertID, ledger.ErrValidation)
	}

	e.disarm(alertID)
	return nil
}

// Reset re-arms a triggered alert. The current price seeds the satisfied
// memory, so a price still past the threshold does not fire again until it
// re-crosses.
func (e *Evaluator) Reset(ctx context.Context, alertID uint) (models.PriceAlert, error) {
	res := e.db.WithContext(ctx).Model(&models.PriceAlert{}).
		Where("id = ? AND state = ?", alertID, models.AlertTriggered).
		Updates(map[string]any{"state": models.AlertActive, "triggered_at": nil})
	if res.Error != nil {
		return models.PriceAlert{}, fmt.Errorf("failed to reset alert %d: %w", alertID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.PriceAlert{}, fmt.Errorf("alert %d: %w", alertID, ErrNotResettable)
	}

	var alert models.PriceAlert
	if err := e.db.WithContext(ctx).First(&alert, alertID).Error; err != nil {
		return models.PriceAlert{}, fmt.Errorf("failed to reload alert %d: %w", alertID, err)
	}

	e.mu.Lock()
	e.armLocked(alert)
	e.mu.Unlock()

	e.logger.Info("Alert reset", zap.Uint("alert_id", alert.ID))
	return alert, nil
}

// ListByUser returns all of the user's alerts, newest first.
func (e *Evaluator) ListByUser(ctx context.Context, userID string) ([]models.PriceAlert, error) {
	var alerts []models.PriceAlert
	err := e.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// OnTick evaluates the tick's asset against its active alerts. The cost is
// proportional to the alerts armed for that one asset. Duplicate delivery
// of an already-applied tick never reaches here; the price cache rejects it
// as stale first.
func (e *Evaluator) OnTick(ctx context.Context, tick pricecache.PriceTick) {
	e.mu.Lock()
	toFire := make([]models.PriceAlert, 0)
	for id, st := range e.active[tick.Symbol] {
		nowSatisfied := st.alert.Satisfied(tick.Price)
		if nowSatisfied && !st.satisfied {
			toFire = append(toFire, st.alert)
			delete(e.active[tick.Symbol], id)
			continue
		}
		st.satisfied = nowSatisfied
	}
	if set, ok := e.active[tick.Symbol]; ok && len(set) == 0 {
		delete(e.active, tick.Symbol)
	}
	e.mu.Unlock()

	for _, alert := range toFire {
		e.fire(ctx, alert, tick)
	}
}

// fire commits the active -> triggered transition. The conditional update
// is the exactly-once gate: only the caller whose update sticks publishes
// the event.
func (e *Evaluator) fire(ctx context.Context, alert models.PriceAlert, tick pricecache.PriceTick) {
	now := time.Now().UTC()
	res := e.db.WithContext(ctx).Model(&models.PriceAlert{}).
		Where("id = ? AND state = ?", alert.ID, models.AlertActive).
		Updates(map[string]any{"state": models.AlertTriggered, "triggered_at": now})
	if res.Error != nil {
		e.logger.Error("Failed to mark alert triggered", zap.Uint("alert_id", alert.ID), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		return
	}

	e.logger.Info("Alert triggered",
		zap.Uint("alert_id", alert.ID),
		zap.String("asset", alert.AssetSymbol),
		zap.String("threshold", alert.Threshold.String()),
		zap.String("price", tick.Price.String()),
	)
	e.bus.Publish(events.AlertTriggered{
		AlertID:     alert.ID,
		UserID:      alert.UserID,
		AssetSymbol: alert.AssetSymbol,
		Threshold:   alert.Threshold,
		Price:       tick.Price,
		TriggeredAt: now,
	})
}

// armLocked adds the alert to the per-asset index, seeding the satisfied
// memory from the current cached price when one exists. Caller holds e.mu.
func (e *Evaluator) armLocked(alert models.PriceAlert) {
	satisfied := false
	if tick, err := e.prices.Current(alert.AssetSymbol); err == nil {
		satisfied = alert.Satisfied(tick.Price)
	}

	set, ok := e.active[alert.AssetSymbol]
	if !ok {
		set = make(map[uint]*armed)
		e.active[alert.AssetSymbol] = set
	}
	set[alert.ID] = &armed{alert: alert, satisfied: satisfied}
}

func (e *Evaluator) disarm(alertID uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for asset, set := range e.active {
		if _, ok := set[alertID]; ok {
			delete(set, alertID)
			if len(set) == 0 {
				delete(e.active, asset)
			}
			return
		}
	}
}
