package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentResponse is returned by the guarded payment endpoint
type PaymentResponse struct {
	PaymentID   string          `json:"payment_id"`
	OrderID     string          `json:"order_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      PaymentStatus   `json:"status"`
	OrderStatus OrderStatus     `json:"order_status"`
	Timestamp   time.Time       `json:"timestamp"`
}

// DisputeResponse is returned by the guarded dispute endpoint
type DisputeResponse struct {
	DisputeID    string       `json:"dispute_id"`
	OrderID      string       `json:"order_id"`
	Status       string       `json:"status"`
	HealthStatus HealthStatus `json:"health_status"`
	Timestamp    time.Time    `json:"timestamp"`
}

// TransitionResponse is returned by the guarded order transition endpoint
type TransitionResponse struct {
	OrderID    string      `json:"order_id"`
	FromStatus OrderStatus `json:"from_status"`
	ToStatus   OrderStatus `json:"to_status"`
	EventID    string      `json:"event_id"`
	Timestamp  time.Time   `json:"timestamp"`
}
