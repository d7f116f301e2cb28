package orders

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConcurrentUpdate  = errors.New("order was modified concurrently")
	ErrOverpayment       = errors.New("payment exceeds outstanding amount")
	ErrDisputeOpen       = errors.New("order already has an open dispute")
)

// Default lead times used when a create request leaves them out
const (
	DefaultConfirmationHours = 48
	DefaultShippingDays      = 7
	DefaultDeliveryDays      = 14
)

const DisputeOpen = "OPEN"

// transitions lists the statuses reachable from each status. Cancellation is
// only possible before shipment; refunds only after delivery.
var transitions = map[types.OrderStatus][]types.OrderStatus{
	types.StatusPendingConfirmation: {types.StatusConfirmed, types.StatusCancelled, types.StatusFailed},
	types.StatusConfirmed:           {types.StatusInProgress, types.StatusCancelled, types.StatusFailed},
	types.StatusInProgress:          {types.StatusShipped, types.StatusCancelled, types.StatusFailed},
	types.StatusShipped:             {types.StatusDelivered, types.StatusFailed},
	types.StatusDelivered:           {types.StatusRefunded},
}

// CanTransition reports whether an order may move from one status to another
func CanTransition(from, to types.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type CreateOrderRequest struct {
	SellerID  string          `json:"seller_id" binding:"required"`
	ItemSKU   string          `json:"item_sku" binding:"required"`
	ItemName  string          `json:"item_name"`
	Quantity  int             `json:"quantity" binding:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Currency  string          `json:"currency"`

	// Lead times from creation; zero means the default
	ConfirmationHours int `json:"confirmation_hours" binding:"gte=0"`
	ShippingDays      int `json:"shipping_days" binding:"gte=0"`
	DeliveryDays      int `json:"delivery_days" binding:"gte=0"`
}

type TransitionRequest struct {
	Status types.OrderStatus `json:"status" binding:"required"`
	Reason string            `json:"reason"`
}

type PaymentRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Method   string          `json:"method"`
}

type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}
