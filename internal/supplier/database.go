package supplier

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

// Store reads a buyer's orders with a seller and caches the derived metrics
type Store interface {
	SupplierOrders(ctx context.Context, buyerID, sellerID string) ([]types.Order, error)
	// GetSnapshot returns nil, nil when no snapshot exists.
	GetSnapshot(ctx context.Context, buyerID, sellerID string) (*types.SupplierMetricsSnapshot, error)
	// SaveSnapshot overwrites any snapshot for the same buyer and seller.
	SaveSnapshot(ctx context.Context, snapshot *types.SupplierMetricsSnapshot) error
	SellersForBuyer(ctx context.Context, buyerID string) ([]string, error)
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) SupplierOrders(ctx context.Context, buyerID, sellerID string) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("buyer_id = ? AND seller_id = ?", buyerID, sellerID).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch supplier orders: %w", err)
	}
	return orders, nil
}

func (d *Database) GetSnapshot(ctx context.Context, buyerID, sellerID string) (*types.SupplierMetricsSnapshot, error) {
	var snapshot types.SupplierMetricsSnapshot
	err := d.db.WithContext(ctx).
		Where("buyer_id = ? AND seller_id = ?", buyerID, sellerID).
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch supplier snapshot: %w", err)
	}
	return &snapshot, nil
}

func (d *Database) SaveSnapshot(ctx context.Context, snapshot *types.SupplierMetricsSnapshot) error {
	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "buyer_id"}, {Name: "seller_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_orders",
				"delivered_orders",
				"on_time_rate",
				"quality_score",
				"avg_delivery_days",
				"issue_count",
				"reliability_score",
				"reliability_tier",
				"computed_at",
			}),
		}).
		Create(snapshot).Error
	if err != nil {
		return fmt.Errorf("failed to save supplier snapshot: %w", err)
	}
	return nil
}

func (d *Database) SellersForBuyer(ctx context.Context, buyerID string) ([]string, error) {
	var sellers []string
	err := d.db.WithContext(ctx).
		Model(&types.Order{}).
		Where("buyer_id = ?", buyerID).
		Distinct().
		Order("seller_id").
		Pluck("seller_id", &sellers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sellers: %w", err)
	}
	return sellers, nil
}
