package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Holding is a user's current position in one asset, derived from the
// transaction ledger. There is exactly one row per (user, asset) pair and
// the row is removed when the quantity reaches zero.
//
// Version is bumped on every ledger append touching the row and backs the
// optimistic check against concurrent writers.
type Holding struct {
	gorm.Model
	UserID      string          `gorm:"uniqueIndex:idx_holding_user_asset;not null" json:"user_id"`
	AssetSymbol string          `gorm:"uniqueIndex:idx_holding_user_asset;not null" json:"asset"`
	Quantity    decimal.Decimal `gorm:"type:numeric;not null" json:"quantity"`
	AvgCost     decimal.Decimal `gorm:"type:numeric;not null" json:"avg_cost"`
	Version     uint64          `gorm:"not null;default:0" json:"-"`
}

// CostBasis returns the total cost of the position (quantity × average cost).
func (h Holding) CostBasis() decimal.Decimal {
	return h.Quantity.Mul(h.AvgCost)
}
