package pricing

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

// Store reads buyer price history and records the variance derived from it
type Store interface {
	// PriceHistory returns entries for (buyerID, sku), newest first.
	PriceHistory(ctx context.Context, buyerID, sku string) ([]types.PriceHistoryEntry, error)
	SetPriceVariance(ctx context.Context, orderID string, variance *float64) error
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) PriceHistory(ctx context.Context, buyerID, sku string) ([]types.PriceHistoryEntry, error) {
	var entries []types.PriceHistoryEntry
	err := d.db.WithContext(ctx).
		Where("buyer_id = ? AND item_sku = ?", buyerID, sku).
		Order("order_date DESC, id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price history: %w", err)
	}
	return entries, nil
}

func (d *Database) SetPriceVariance(ctx context.Context, orderID string, variance *float64) error {
	err := d.db.WithContext(ctx).
		Model(&types.Order{}).
		Where("order_id = ?", orderID).
		Update("price_variance", variance).Error
	if err != nil {
		return fmt.Errorf("failed to store price variance: %w", err)
	}
	return nil
}
