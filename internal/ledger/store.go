package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeledger/internal/models"
	"tradeledger/pkg/id"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store is the ledger of record. Transactions are append-only and holdings
// are a materialized view over them: the only way any balance changes is
// through Append, which writes both in one database transaction.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
	locks  *keyLocks
}

// NewStore creates a ledger store on top of an already-migrated database.
func NewStore(logger *zap.Logger, db *gorm.DB) *Store {
	return &Store{
		logger: logger.Named("ledger"),
		db:     db,
		locks:  newKeyLocks(),
	}
}

func ledgerKey(userID, asset string) string {
	return userID + "|" + asset
}

// TransactionFilter narrows and pages a TransactionsOf read. A zero filter
// returns the user's full history. Offset makes the sequence restartable:
// a reader can resume where a previous page ended.
type TransactionFilter struct {
	AssetSymbol string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// Append durably applies one transaction and the holding mutation it
// implies, all-or-nothing. Concurrent appends for the same (user, asset)
// pair serialize on a per-key lock; an optimistic version check on the
// holding row backs that up and is retried once with fresh state.
//
// Append is idempotent per order id: re-delivering a transaction whose
// order id is already in the ledger returns the stored row unchanged.
func (s *Store) Append(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	if err := validateTransaction(tx); err != nil {
		return models.Transaction{}, err
	}

	lock := s.locks.lockFor(ledgerKey(tx.UserID, tx.AssetSymbol))
	lock.Lock()
	defer lock.Unlock()

	if tx.OrderID != nil {
		var existing models.Transaction
		err := s.db.WithContext(ctx).Where("order_id = ?", *tx.OrderID).First(&existing).Error
		if err == nil {
			s.logger.Debug("Append is a replay for this order, returning stored transaction",
				zap.String("order_id", *tx.OrderID), zap.String("transaction_id", existing.ID))
			return existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Transaction{}, fmt.Errorf("failed to check order idempotency: %w", err)
		}
	}

	if tx.ID == "" {
		tx.ID = id.New()
	}
	if tx.ExecutedAt.IsZero() {
		tx.ExecutedAt = time.Now().UTC()
	}

	applied, err := s.apply(ctx, tx)
	if errors.Is(err, ErrConcurrencyConflict) {
		// Lost a version race to a writer outside the key lock (another
		// process on the same database). One retry with fresh state either
		// succeeds or reports the real balance shortfall.
		s.logger.Warn("Ledger append hit a version conflict, retrying once",
			zap.String("user", tx.UserID), zap.String("asset", tx.AssetSymbol))
		applied, err = s.apply(ctx, tx)
	}
	return applied, err
}

// apply runs the insert-transaction-plus-mutate-holding pair inside one
// database transaction.
func (s *Store) apply(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		var holding models.Holding
		found := true
		err := dbtx.Where("user_id = ? AND asset_symbol = ?", tx.UserID, tx.AssetSymbol).
			First(&holding).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			return fmt.Errorf("failed to load holding: %w", err)
		}

		if !tx.Type.Inbound() {
			if !found || holding.Quantity.LessThan(tx.Quantity) {
				have := decimal.Zero
				if found {
					have = holding.Quantity
				}
				return fmt.Errorf("%s of %s %s exceeds held %s: %w",
					tx.Type, tx.Quantity, tx.AssetSymbol, have, ErrInsufficientHolding)
			}
			if tx.Type == models.TxSell {
				tx.RealizedPnL = tx.Price.Sub(holding.AvgCost).Mul(tx.Quantity)
			}
		}

		if err := dbtx.Create(&tx).Error; err != nil {
			return fmt.Errorf("failed to insert transaction: %w", err)
		}

		switch {
		case !found:
			holding = models.Holding{
				UserID:      tx.UserID,
				AssetSymbol: tx.AssetSymbol,
				Quantity:    tx.Quantity,
				AvgCost:     tx.Price,
				Version:     1,
			}
			if err := dbtx.Create(&holding).Error; err != nil {
				return fmt.Errorf("failed to create holding: %w", err)
			}
		default:
			newQty := holding.Quantity.Add(tx.SignedQuantity())
			if newQty.IsZero() {
				res := dbtx.Unscoped().
					Where("id = ? AND version = ?", holding.ID, holding.Version).
					Delete(&models.Holding{})
				if res.Error != nil {
					return fmt.Errorf("failed to close holding: %w", res.Error)
				}
				if res.RowsAffected == 0 {
					return ErrConcurrencyConflict
				}
			} else {
				newAvg := holding.AvgCost
				if tx.Type.Inbound() {
					// Weighted average of prior basis and the new purchase.
					prior := holding.Quantity.Mul(holding.AvgCost)
					added := tx.Quantity.Mul(tx.Price)
					newAvg = prior.Add(added).Div(newQty)
				}
				res := dbtx.Model(&models.Holding{}).
					Where("id = ? AND version = ?", holding.ID, holding.Version).
					Updates(map[string]any{
						"quantity": newQty,
						"avg_cost": newAvg,
						"version":  holding.Version + 1,
					})
				if res.Error != nil {
					return fmt.Errorf("failed to update holding: %w", res.Error)
				}
				if res.RowsAffected == 0 {
					return ErrConcurrencyConflict
				}
			}
		}

		return nil
	})
	if err != nil {
		return models.Transaction{}, err
	}
	return tx, nil
}

func validateTransaction(tx models.Transaction) error {
	if tx.UserID == "" {
		return fmt.Errorf("transaction without user id: %w", ErrValidation)
	}
	if tx.AssetSymbol == "" {
		return fmt.Errorf("transaction without asset: %w", ErrValidation)
	}
	if !tx.Quantity.IsPositive() {
		return fmt.Errorf("transaction quantity %s must be positive: %w", tx.Quantity, ErrValidation)
	}
	if tx.Price.IsNegative() {
		return fmt.Errorf("transaction price %s must not be negative: %w", tx.Price, ErrValidation)
	}
	switch tx.Type {
	case models.TxBuy, models.TxSell, models.TxDeposit, models.TxWithdraw:
	default:
		return fmt.Errorf("unknown transaction type %q: %w", tx.Type, ErrValidation)
	}
	return nil
}

// Deposit appends a non-trade transfer that adds quantity to the user's
// holding, valued at the given price for cost-basis purposes.
func (s *Store) Deposit(ctx context.Context, userID, asset string, quantity, price decimal.Decimal) (models.Transaction, error) {
	return s.Append(ctx, models.Transaction{
		UserID:      userID,
		AssetSymbol: asset,
		Type:        models.TxDeposit,
		Quantity:    quantity,
		Price:       price,
	})
}

// Withdraw appends a non-trade transfer that removes quantity. It obeys the
// same no-negative rule as a sell but realizes no P&L.
func (s *Store) Withdraw(ctx context.Context, userID, asset string, quantity decimal.Decimal) (models.Transaction, error) {
	return s.Append(ctx, models.Transaction{
		UserID:      userID,
		AssetSymbol: asset,
		Type:        models.TxWithdraw,
		Quantity:    quantity,
	})
}

// HoldingOf returns the user's current position in the asset. A user who
// holds none of the asset gets a zero-quantity holding, not an error.
func (s *Store) HoldingOf(ctx context.Context, userID, asset string) (models.Holding, error) {
	var holding models.Holding
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND asset_symbol = ?", userID, asset).
		First(&holding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Holding{
			UserID:      userID,
			AssetSymbol: asset,
			Quantity:    decimal.Zero,
			AvgCost:     decimal.Zero,
		}, nil
	}
	if err != nil {
		return models.Holding{}, fmt.Errorf("failed to load holding: %w", err)
	}
	return holding, nil
}

// HoldingsOf returns every open position for the user.
func (s *Store) HoldingsOf(ctx context.Context, userID string) ([]models.Holding, error) {
	var holdings []models.Holding
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("asset_symbol asc").
		Find(&holdings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load holdings: %w", err)
	}
	return holdings, nil
}

// TransactionsOf returns the user's ledger history, oldest first, narrowed
// and paged by the filter.
func (s *Store) TransactionsOf(ctx context.Context, userID string, filter TransactionFilter) ([]models.Transaction, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.AssetSymbol != "" {
		q = q.Where("asset_symbol = ?", filter.AssetSymbol)
	}
	if !filter.From.IsZero() {
		q = q.Where("executed_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("executed_at < ?", filter.To)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var txs []models.Transaction
	if err := q.Order("executed_at asc, id asc").Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	return txs, nil
}

// ReplayQuantity sums the signed quantities of every transaction for the
// pair. By construction it always equals the holding's quantity; the
// engine's self-checks and tests lean on that.
func (s *Store) ReplayQuantity(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	txs, err := s.TransactionsOf(ctx, userID, TransactionFilter{AssetSymbol: asset})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.SignedQuantity())
	}
	return total, nil
}
