package models

import "gorm.io/gorm"

// Asset represents a tradable asset in the registry.
// Assets are immutable once created; orders, holdings and alerts
// reference them by symbol.
type Asset struct {
	gorm.Model
	Symbol        string `gorm:"uniqueIndex;not null"`
	Name          string
	QuantityScale int32 `gorm:"not null;default:8"`
	PriceScale    int32 `gorm:"not null;default:2"`
	Active        bool  `gorm:"default:true"`
	Tradeable     bool  `gorm:"default:true"`
}
