package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AlertDirection is the side of the threshold a price must cross.
type AlertDirection string

const (
	AlertAbove AlertDirection = "above"
	AlertBelow AlertDirection = "below"
)

// AlertState is the lifecycle state of a price alert.
type AlertState string

const (
	AlertActive    AlertState = "active"
	AlertTriggered AlertState = "triggered"
	AlertCancelled AlertState = "cancelled"
)

// PriceAlert fires exactly once when the asset's price crosses the
// threshold in the configured direction. A triggered alert stays quiet
// until the user resets it to active.
type PriceAlert struct {
	gorm.Model
	UserID      string          `gorm:"index;not null" json:"user_id"`
	AssetSymbol string          `gorm:"index;not null" json:"asset"`
	Threshold   decimal.Decimal `gorm:"type:numeric;not null" json:"threshold"`
	Direction   AlertDirection  `gorm:"not null" json:"direction"`
	State       AlertState      `gorm:"index;not null" json:"state"`
	TriggeredAt *time.Time      `json:"triggered_at,omitempty"`
}

// Satisfied reports whether the given price meets the alert condition.
func (a PriceAlert) Satisfied(price decimal.Decimal) bool {
	if a.Direction == AlertAbove {
		return price.GreaterThan(a.Threshold)
	}
	return price.LessThan(a.Threshold)
}
