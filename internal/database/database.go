package database

import (
	"fmt"

	"tradeledger/internal/config"
	"tradeledger/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db, cfg); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the schema and seeds the asset registry from
// the configured feed symbols. The ledger is durable state; unlike a
// scratch bot database, existing tables are never dropped.
func Migrate(db *gorm.DB, cfg *config.Config) error {
	err := db.AutoMigrate(
		&models.Asset{},
		&models.Order{},
		&models.Transaction{},
		&models.Holding{},
		&models.PriceAlert{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	for _, symbol := range cfg.Feed.Symbols {
		asset := models.Asset{Symbol: symbol, Active: true, Tradeable: true}
		if err := db.FirstOrCreate(&asset, models.Asset{Symbol: symbol}).Error; err != nil {
			return fmt.Errorf("failed to seed asset '%s': %w", symbol, err)
		}
	}

	return nil
}
