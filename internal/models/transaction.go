package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType identifies what kind of ledger entry a transaction is.
// Buys and deposits add quantity, sells and withdrawals remove it.
type TransactionType string

const (
	TxBuy      TransactionType = "buy"
	TxSell     TransactionType = "sell"
	TxDeposit  TransactionType = "deposit"
	TxWithdraw TransactionType = "withdraw"
)

// Inbound reports whether the transaction adds quantity to a holding.
func (t TransactionType) Inbound() bool {
	return t == TxBuy || t == TxDeposit
}

// Transaction is one append-only ledger entry. Holdings are a materialized
// view over these rows; they are never mutated except through an append.
type Transaction struct {
	ID          string          `gorm:"primaryKey" json:"id"`
	OrderID     *string         `gorm:"uniqueIndex" json:"order_id,omitempty"`
	UserID      string          `gorm:"index:idx_tx_user_asset;not null" json:"user_id"`
	AssetSymbol string          `gorm:"index:idx_tx_user_asset;not null" json:"asset"`
	Type        TransactionType `gorm:"not null" json:"type"`
	Quantity    decimal.Decimal `gorm:"type:numeric;not null" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:numeric;not null" json:"price"`
	Fee         decimal.Decimal `gorm:"type:numeric;not null" json:"fee"`
	RealizedPnL decimal.Decimal `gorm:"type:numeric;not null" json:"realized_pnl"`
	ExecutedAt  time.Time       `gorm:"index;not null" json:"executed_at"`
}

// SignedQuantity returns the quantity with its ledger sign applied:
// positive for buys and deposits, negative for sells and withdrawals.
func (t Transaction) SignedQuantity() decimal.Decimal {
	if t.Type.Inbound() {
		return t.Quantity
	}
	return t.Quantity.Neg()
}
