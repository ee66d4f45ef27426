package valuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeledger/internal/ledger"
	"tradeledger/internal/pricecache"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Position is one asset's row in a portfolio snapshot. Priced is false when
// the asset has no cached price; such rows carry quantity and cost basis
// but are left out of totals and allocation percentages.
type Position struct {
	AssetSymbol   string          `json:"asset"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	Priced        bool            `json:"priced"`
	Price         decimal.Decimal `json:"price,omitempty"`
	Value         decimal.Decimal `json:"value,omitempty"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl,omitempty"`
	Allocation    decimal.Decimal `json:"allocation_pct,omitempty"`
}

// Snapshot is a point-in-time view of one user's portfolio, derived on read
// from holdings and the price cache; nothing is stored.
//
// PartialData distinguishes "incomplete price data" from "no holdings": it
// is true when at least one held asset could not be priced.
type Snapshot struct {
	UserID        string          `json:"user_id"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Positions     []Position      `json:"positions"`
	PartialData   bool            `json:"partial_data"`
	AsOf          time.Time       `json:"as_of"`
}

// Engine derives portfolio valuations from ledger snapshots on demand. It
// only reads, so it never blocks order processing.
type Engine struct {
	logger *zap.Logger
	ledger *ledger.Store
	prices *pricecache.Cache
}

// NewEngine creates a valuation engine.
func NewEngine(logger *zap.Logger, store *ledger.Store, prices *pricecache.Cache) *Engine {
	return &Engine{
		logger: logger.Named("valuation"),
		ledger: store,
		prices: prices,
	}
}

// Snapshot values every holding of the user against the current price
// cache. Holdings without a price are flagged rather than guessed at.
func (e *Engine) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	holdings, err := e.ledger.HoldingsOf(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read holdings for snapshot: %w", err)
	}

	snap := Snapshot{
		UserID:        userID,
		TotalValue:    decimal.Zero,
		TotalCost:     decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		Positions:     make([]Position, 0, len(holdings)),
		AsOf:          time.Now().UTC(),
	}

	for _, h := range holdings {
		pos := Position{
			AssetSymbol: h.AssetSymbol,
			Quantity:    h.Quantity,
			AvgCost:     h.AvgCost,
			CostBasis:   h.CostBasis(),
		}

		tick, err := e.prices.Current(h.AssetSymbol)
		if err != nil {
			if !errors.Is(err, pricecache.ErrNoPriceAvailable) {
				return Snapshot{}, err
			}
			snap.PartialData = true
			e.logger.Debug("Holding has no cached price, excluded from totals",
				zap.String("user", userID), zap.String("asset", h.AssetSymbol))
			snap.Positions = append(snap.Positions, pos)
			continue
		}

		pos.Priced = true
		pos.Price = tick.Price
		pos.Value = h.Quantity.Mul(tick.Price)
		pos.UnrealizedPnL = pos.Value.Sub(pos.CostBasis)

		snap.TotalValue = snap.TotalValue.Add(pos.Value)
		snap.TotalCost = snap.TotalCost.Add(pos.CostBasis)
		snap.UnrealizedPnL = snap.UnrealizedPnL.Add(pos.UnrealizedPnL)
		snap.Positions = append(snap.Positions, pos)
	}

	// Allocation percentages only make sense over the priced subset.
	if snap.TotalValue.IsPositive() {
		hundred := decimal.NewFromInt(100)
		for i := range snap.Positions {
			if snap.Positions[i].Priced {
				snap.Positions[i].Allocation = snap.Positions[i].Value.
					Mul(hundred).Div(snap.TotalValue)
			}
		}
	}

	return snap, nil
}
