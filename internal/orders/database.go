package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

// Database persists order mutations. Every mutation writes its audit event in
// the same transaction.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetOrder returns nil, nil when the order does not exist
func (d *Database) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	return &order, nil
}

func (d *Database) CreateOrder(ctx context.Context, order *types.Order, event *types.AuditEvent) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to create audit event: %w", err)
		}
		return nil
	})
}

// ApplyTransition saves order only if it is still in status from. entry is
// written alongside when the order was delivered.
func (d *Database) ApplyTransition(ctx context.Context, order *types.Order, from types.OrderStatus, event *types.AuditEvent, entry *types.PriceHistoryEntry) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&types.Order{}).
			Where("order_id = ? AND status = ?", order.OrderID, from).
			Select("status", "confirmed_at", "processing_at", "shipped_at", "delivered_at",
				"days_to_deliver", "health_status", "has_exception", "updated_at").
			Updates(order)
		if result.Error != nil {
			return fmt.Errorf("failed to update order: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}

		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to create audit event: %w", err)
		}

		if entry != nil {
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("failed to record price history: %w", err)
			}
		}
		return nil
	})
}

// CapturePayment records payment unless it would take the captured total
// past limit.
func (d *Database) CapturePayment(ctx context.Context, payment *types.Payment, event *types.AuditEvent, limit decimal.Decimal) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var captured []types.Payment
		err := tx.Where("order_id = ? AND status = ?", payment.OrderID, types.PaymentCaptured).
			Find(&captured).Error
		if err != nil {
			return fmt.Errorf("failed to fetch payments: %w", err)
		}

		paid := decimal.Zero
		for _, p := range captured {
			paid = paid.Add(p.Amount)
		}
		if paid.Add(payment.Amount).GreaterThan(limit) {
			return ErrOverpayment
		}

		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to create audit event: %w", err)
		}
		return nil
	})
}

// OpenDispute stores dispute and flags the order as an exception
func (d *Database) OpenDispute(ctx context.Context, order *types.Order, dispute *types.Dispute, event *types.AuditEvent) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		err := tx.Model(&types.Dispute{}).
			Where("order_id = ? AND status = ?", dispute.OrderID, DisputeOpen).
			Count(&open).Error
		if err != nil {
			return fmt.Errorf("failed to count disputes: %w", err)
		}
		if open > 0 {
			return ErrDisputeOpen
		}

		if err := tx.Create(dispute).Error; err != nil {
			return fmt.Errorf("failed to create dispute: %w", err)
		}

		err = tx.Model(&types.Order{}).
			Where("order_id = ?", order.OrderID).
			Updates(map[string]interface{}{
				"has_exception": true,
				"health_status": order.HealthStatus,
				"updated_at":    order.UpdatedAt,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to flag order: %w", err)
		}

		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to create audit event: %w", err)
		}
		return nil
	})
}
