package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	StatusPendingConfirmation OrderStatus = "pending_confirmation"
	StatusConfirmed           OrderStatus = "confirmed"
	StatusInProgress          OrderStatus = "in_progress"
	StatusShipped             OrderStatus = "shipped"
	StatusDelivered           OrderStatus = "delivered"
	StatusCancelled           OrderStatus = "cancelled"
	StatusFailed              OrderStatus = "failed"
	StatusRefunded            OrderStatus = "refunded"
)

// IsTerminal reports whether no further lifecycle progress is expected
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// IsSideExit reports whether the order left the main lifecycle
func (s OrderStatus) IsSideExit() bool {
	switch s {
	case StatusCancelled, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Rank returns the position of s on the main lifecycle, or -1 for side exits.
// Refunded orders were delivered first, so they rank with delivered.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusPendingConfirmation:
		return 0
	case StatusConfirmed:
		return 1
	case StatusInProgress:
		return 2
	case StatusShipped:
		return 3
	case StatusDelivered, StatusRefunded:
		return 4
	}
	return -1
}

type HealthStatus string

const (
	HealthOnTrack  HealthStatus = "on_track"
	HealthAtRisk   HealthStatus = "at_risk"
	HealthDelayed  HealthStatus = "delayed"
	HealthCritical HealthStatus = "critical"
)

// Order is a marketplace purchase between a buyer and a seller
type Order struct {
	ID       uint   `gorm:"primarykey" json:"-"`
	OrderID  string `gorm:"uniqueIndex" json:"order_id"`
	BuyerID  string `gorm:"index:idx_orders_buyer_seller" json:"buyer_id"`
	SellerID string `gorm:"index:idx_orders_buyer_seller" json:"seller_id"`

	ItemSKU    string          `gorm:"index" json:"item_sku"`
	ItemName   string          `json:"item_name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `gorm:"type:numeric(20,4)" json:"unit_price"`
	TotalPrice decimal.Decimal `gorm:"type:numeric(20,4)" json:"total_price"`
	Currency   string          `json:"currency"`

	Status OrderStatus `gorm:"index" json:"status"`

	ConfirmationDeadline *time.Time `json:"confirmation_deadline,omitempty"`
	ShippingDeadline     *time.Time `json:"shipping_deadline,omitempty"`
	DeliveryDeadline     *time.Time `json:"delivery_deadline,omitempty"`

	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	ShippedAt    *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`

	DaysToDeliver *int         `json:"days_to_deliver,omitempty"`
	PriceVariance *float64     `json:"price_variance,omitempty"`
	HealthStatus  HealthStatus `gorm:"index" json:"health_status"`
	HasException  bool         `json:"has_exception"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Order) TableName() string {
	return "marketplace_orders"
}

// AuditEvent records a single order mutation. Rows are only ever appended.
type AuditEvent struct {
	ID         uint           `gorm:"primarykey" json:"-"`
	EventID    string         `gorm:"uniqueIndex" json:"event_id"`
	OrderID    string         `gorm:"index" json:"order_id"`
	Action     string         `json:"action"`
	FromStatus OrderStatus    `json:"from_status,omitempty"`
	ToStatus   OrderStatus    `json:"to_status,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Metadata   datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
}

func (AuditEvent) TableName() string {
	return "order_audit_events"
}

// Audit actions
const (
	ActionCreated       = "created"
	ActionStatusChanged = "status_changed"
	ActionPayment       = "payment_recorded"
	ActionDisputeOpened = "dispute_opened"
)

// PriceHistoryEntry is written once per delivered order and never mutated
type PriceHistoryEntry struct {
	ID        uint            `gorm:"primarykey" json:"-"`
	BuyerID   string          `gorm:"index:idx_price_history_buyer_sku" json:"buyer_id"`
	ItemSKU   string          `gorm:"index:idx_price_history_buyer_sku" json:"item_sku"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(20,4)" json:"unit_price"`
	OrderDate time.Time       `json:"order_date"`
	SellerID  string          `json:"seller_id"`
	OrderID   string          `gorm:"uniqueIndex" json:"order_id"`
	CreatedAt time.Time       `json:"created_at"`
}

func (PriceHistoryEntry) TableName() string {
	return "buyer_price_history"
}

// SupplierMetricsSnapshot caches the reliability score of a seller as seen by
// one buyer. It is always overwritten wholesale.
type SupplierMetricsSnapshot struct {
	ID               uint      `gorm:"primarykey" json:"-"`
	BuyerID          string    `gorm:"uniqueIndex:idx_supplier_snapshot_pair" json:"buyer_id"`
	SellerID         string    `gorm:"uniqueIndex:idx_supplier_snapshot_pair" json:"seller_id"`
	TotalOrders      int       `json:"total_orders"`
	DeliveredOrders  int       `json:"delivered_orders"`
	OnTimeRate       float64   `json:"on_time_rate"`
	QualityScore     int       `json:"quality_score"`
	AvgDeliveryDays  *float64  `json:"avg_delivery_days"`
	IssueCount       int       `json:"issue_count"`
	ReliabilityScore float64   `json:"reliability_score"`
	ReliabilityTier  string    `json:"reliability_tier"`
	ComputedAt       time.Time `json:"computed_at"`
}

func (SupplierMetricsSnapshot) TableName() string {
	return "supplier_metrics_snapshots"
}

type PaymentStatus string

const (
	PaymentCaptured PaymentStatus = "captured"
	PaymentRefunded PaymentStatus = "refunded"
)

// Payment is the durable side effect of a guarded payment request
type Payment struct {
	ID        uint            `gorm:"primarykey" json:"-"`
	PaymentID string          `gorm:"uniqueIndex" json:"payment_id"`
	OrderID   string          `gorm:"index" json:"order_id"`
	PayerID   string          `json:"payer_id"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,4)" json:"amount"`
	Currency  string          `json:"currency"`
	Method    string          `json:"method"`
	Status    PaymentStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func (Payment) TableName() string {
	return "order_payments"
}

// Dispute is raised by a buyer against an order
type Dispute struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	DisputeID string    `gorm:"uniqueIndex" json:"dispute_id"`
	OrderID   string    `gorm:"index" json:"order_id"`
	RaisedBy  string    `json:"raised_by"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"` // OPEN, RESOLVED
	CreatedAt time.Time `json:"created_at"`
}

func (Dispute) TableName() string {
	return "order_disputes"
}
