package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderKind distinguishes market orders from limit orders.
type OrderKind string

const (
	KindMarket OrderKind = "MARKET"
	KindLimit  OrderKind = "LIMIT"
)

// OrderState is the lifecycle state of an order.
// Orders move from pending to exactly one terminal state and never leave it.
type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderFilled    OrderState = "filled"
	OrderRejected  OrderState = "rejected"
	OrderCancelled OrderState = "cancelled"
)

// Terminal reports whether the state is final.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// Order represents a user's buy or sell request against an asset.
type Order struct {
	ID          string              `gorm:"primaryKey" json:"id"`
	UserID      string              `gorm:"index;not null" json:"user_id"`
	AssetSymbol string              `gorm:"index;not null" json:"asset"`
	Side        OrderSide           `gorm:"not null" json:"side"`
	Kind        OrderKind           `gorm:"not null" json:"kind"`
	Quantity    decimal.Decimal     `gorm:"type:numeric;not null" json:"quantity"`
	LimitPrice  decimal.NullDecimal `gorm:"type:numeric" json:"limit_price,omitempty"`
	State       OrderState          `gorm:"index;not null" json:"state"`
	Reason      string              `json:"reason,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	ResolvedAt  *time.Time          `json:"resolved_at,omitempty"`
}
