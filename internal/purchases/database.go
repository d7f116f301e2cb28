package purchases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

// Store reads a buyer's orders and their audit trail
type Store interface {
	// ListBuyerOrders applies the stored-field part of f, newest first.
	ListBuyerOrders(ctx context.Context, buyerID string, f Filter) ([]types.Order, error)
	// GetBuyerOrder returns nil, nil when the buyer has no such order.
	GetBuyerOrder(ctx context.Context, buyerID, orderID string) (*types.Order, error)
	// AuditEvents returns the order's events oldest first.
	AuditEvents(ctx context.Context, orderID string) ([]types.AuditEvent, error)
}

// likeEscaper makes search text match literally inside a LIKE pattern
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) ListBuyerOrders(ctx context.Context, buyerID string, f Filter) ([]types.Order, error) {
	q := d.db.WithContext(ctx).Where("buyer_id = ?", buyerID)

	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.SellerID != "" {
		q = q.Where("seller_id = ?", f.SellerID)
	}
	if f.Search != "" {
		like := "%" + likeEscaper.Replace(f.Search) + "%"
		q = q.Where(`(order_id LIKE ? ESCAPE '\' OR item_name LIKE ? ESCAPE '\' OR item_sku LIKE ? ESCAPE '\')`,
			like, like, like)
	}
	if f.DateFrom != nil {
		q = q.Where("created_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("created_at < ?", *f.DateTo)
	}

	var orders []types.Order
	if err := q.Order("created_at DESC, id DESC").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list buyer orders: %w", err)
	}
	return orders, nil
}

func (d *Database) GetBuyerOrder(ctx context.Context, buyerID, orderID string) (*types.Order, error) {
	var order types.Order
	err := d.db.WithContext(ctx).
		Where("order_id = ? AND buyer_id = ?", orderID, buyerID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	return &order, nil
}

func (d *Database) AuditEvents(ctx context.Context, orderID string) ([]types.AuditEvent, error) {
	var events []types.AuditEvent
	err := d.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit events: %w", err)
	}
	return events, nil
}
