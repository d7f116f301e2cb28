package migrations

import (
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
	"gorm.io/gorm"
)

// AddMarketplaceOrders creates the order, audit, price history and supplier
// snapshot tables plus the indexes used by the purchase queries
func AddMarketplaceOrders(db *gorm.DB) error {
	err := db.AutoMigrate(
		&types.Order{},
		&types.AuditEvent{},
		&types.PriceHistoryEntry{},
		&types.SupplierMetricsSnapshot{},
		&types.Payment{},
		&types.Dispute{},
	)
	if err != nil {
		return err
	}

	indexes := []string{
		// Buyer purchase listing, newest first
		`CREATE INDEX IF NOT EXISTS idx_marketplace_orders_buyer_created
		 ON marketplace_orders(buyer_id, created_at)`,

		// Buyer listing filtered by status
		`CREATE INDEX IF NOT EXISTS idx_marketplace_orders_buyer_status
		 ON marketplace_orders(buyer_id, status)`,

		// Ordered audit replay per order
		`CREATE INDEX IF NOT EXISTS idx_order_audit_events_order_created
		 ON order_audit_events(order_id, created_at)`,

		// Price history newest first per buyer and SKU
		`CREATE INDEX IF NOT EXISTS idx_buyer_price_history_lookup
		 ON buyer_price_history(buyer_id, item_sku, order_date)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
