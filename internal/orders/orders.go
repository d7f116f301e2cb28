// Package orders owns the state-changing order endpoints. Every mutating
// handler is an idempotency.Handler so the router can put it behind the guard.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/idempotency"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/pricing"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/risk"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/supplier"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/pkg/middleware"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/pkg/response"
)

// Service handles order creation and lifecycle mutations
type Service struct {
	db        *Database
	prices    *pricing.Service
	suppliers *supplier.Service
	now       func() time.Time
}

// NewService creates an order service. After a mutation it refreshes the
// price snapshot and supplier metrics that depend on the order.
func NewService(gormDB *gorm.DB, prices *pricing.Service, suppliers *supplier.Service) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		prices:    prices,
		suppliers: suppliers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func notFound() error {
	return response.NewAPIError(http.StatusNotFound, response.ErrCodeNotFound, "Order not found", gorm.ErrRecordNotFound)
}

func validationFailed(message string, err error) error {
	return response.NewAPIError(http.StatusUnprocessableEntity, response.ErrCodeValidationFailed, message, err)
}

// CreateOrder places a new order for buyerID in pending_confirmation with
// deadlines derived from the requested lead times.
func (s *Service) CreateOrder(ctx context.Context, buyerID string, req CreateOrderRequest) (*types.Order, error) {
	if !req.UnitPrice.IsPositive() {
		return nil, validationFailed("unit_price must be positive", nil)
	}
	if req.SellerID == buyerID {
		return nil, validationFailed("buyer and seller must differ", nil)
	}

	confirmation := time.Duration(orDefault(req.ConfirmationHours, DefaultConfirmationHours)) * time.Hour
	shipping := time.Duration(orDefault(req.ShippingDays, DefaultShippingDays)) * 24 * time.Hour
	delivery := time.Duration(orDefault(req.DeliveryDays, DefaultDeliveryDays)) * 24 * time.Hour
	if shipping <= confirmation || delivery <= shipping {
		return nil, validationFailed("lead times must satisfy confirmation < shipping < delivery", nil)
	}

	now := s.now()
	confirmationDeadline := now.Add(confirmation)
	shippingDeadline := now.Add(shipping)
	deliveryDeadline := now.Add(delivery)

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "SAR"
	}

	order := &types.Order{
		OrderID:              "ORD_" + uuid.New().String(),
		BuyerID:              buyerID,
		SellerID:             req.SellerID,
		ItemSKU:              req.ItemSKU,
		ItemName:             req.ItemName,
		Quantity:             req.Quantity,
		UnitPrice:            req.UnitPrice,
		TotalPrice:           req.UnitPrice.Mul(decimal.NewFromInt(int64(req.Quantity))),
		Currency:             currency,
		Status:               types.StatusPendingConfirmation,
		ConfirmationDeadline: &confirmationDeadline,
		ShippingDeadline:     &shippingDeadline,
		DeliveryDeadline:     &deliveryDeadline,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	order.HealthStatus = risk.AssessHealth(order, now)

	event := newEvent(order.OrderID, types.ActionCreated, buyerID, now)
	event.ToStatus = types.StatusPendingConfirmation

	logger := log.With().
		Str("order_id", order.OrderID).
		Str("buyer_id", buyerID).
		Str("service", "orders").
		Logger()

	if err := s.db.CreateOrder(ctx, order, event); err != nil {
		logger.Error().Err(err).Msg("failed to create order")
		return nil, err
	}

	if _, err := s.prices.Snapshot(ctx, order); err != nil {
		logger.Warn().Err(err).Msg("failed to record price snapshot")
	}

	logger.Info().Str("item_sku", order.ItemSKU).Msg("order created")
	return order, nil
}

// Transition moves the order to req.Status on behalf of one of its parties
func (s *Service) Transition(ctx context.Context, actorID, orderID string, req TransitionRequest) (*types.TransitionResponse, error) {
	order, err := s.partyOrder(ctx, actorID, orderID)
	if err != nil {
		return nil, err
	}

	from, to := order.Status, req.Status
	if !CanTransition(from, to) {
		return nil, response.NewAPIError(http.StatusUnprocessableEntity, response.ErrCodeInvalidTransition,
			fmt.Sprintf("cannot move order from %s to %s", from, to), ErrInvalidTransition)
	}

	now := s.now()
	order.Status = to
	order.UpdatedAt = now

	var entry *types.PriceHistoryEntry
	switch to {
	case types.StatusConfirmed:
		order.ConfirmedAt = &now
	case types.StatusInProgress:
		order.ProcessingAt = &now
	case types.StatusShipped:
		order.ShippedAt = &now
	case types.StatusDelivered:
		order.DeliveredAt = &now
		days := int(math.Ceil(now.Sub(order.CreatedAt).Hours() / 24))
		order.DaysToDeliver = &days
		entry = &types.PriceHistoryEntry{
			BuyerID:   order.BuyerID,
			ItemSKU:   order.ItemSKU,
			UnitPrice: order.UnitPrice,
			OrderDate: order.CreatedAt,
			SellerID:  order.SellerID,
			OrderID:   order.OrderID,
			CreatedAt: now,
		}
	case types.StatusFailed:
		order.HasException = true
	}
	order.HealthStatus = risk.AssessHealth(order, now)

	event := newEvent(order.OrderID, types.ActionStatusChanged, actorID, now)
	event.FromStatus = from
	event.ToStatus = to
	if req.Reason != "" {
		event.Metadata = metadata(map[string]interface{}{"reason": req.Reason})
	}

	logger := log.With().
		Str("order_id", order.OrderID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("service", "orders").
		Logger()

	if err := s.db.ApplyTransition(ctx, order, from, event, entry); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			return nil, response.NewAPIError(http.StatusConflict, response.ErrCodeInvalidTransition,
				"Order status changed while processing the request", err)
		}
		logger.Error().Err(err).Msg("failed to apply transition")
		return nil, err
	}

	if to == types.StatusDelivered || to == types.StatusFailed {
		s.refreshSupplier(ctx, order, logger)
	}

	logger.Info().Msg("order transitioned")
	return &types.TransitionResponse{
		OrderID:    order.OrderID,
		FromStatus: from,
		ToStatus:   to,
		EventID:    event.EventID,
		Timestamp:  now,
	}, nil
}

// RecordPayment captures a buyer payment against the order's outstanding total
func (s *Service) RecordPayment(ctx context.Context, payerID, orderID string, req PaymentRequest) (*types.PaymentResponse, error) {
	order, err := s.buyerOrder(ctx, payerID, orderID)
	if err != nil {
		return nil, err
	}

	if !req.Amount.IsPositive() {
		return nil, validationFailed("amount must be positive", nil)
	}
	if order.Status == types.StatusCancelled || order.Status == types.StatusFailed || order.Status == types.StatusRefunded {
		return nil, validationFailed(fmt.Sprintf("order in status %s cannot be paid", order.Status), nil)
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = order.Currency
	}
	if currency != order.Currency {
		return nil, validationFailed(fmt.Sprintf("payment currency %s does not match order currency %s", currency, order.Currency), nil)
	}

	method := req.Method
	if method == "" {
		method = "bank_transfer"
	}

	now := s.now()
	payment := &types.Payment{
		PaymentID: "PAY_" + uuid.New().String(),
		OrderID:   order.OrderID,
		PayerID:   payerID,
		Amount:    req.Amount,
		Currency:  currency,
		Method:    method,
		Status:    types.PaymentCaptured,
		CreatedAt: now,
	}

	event := newEvent(order.OrderID, types.ActionPayment, payerID, now)
	event.Metadata = metadata(map[string]interface{}{
		"payment_id": payment.PaymentID,
		"amount":     payment.Amount.String(),
		"currency":   currency,
	})

	if err := s.db.CapturePayment(ctx, payment, event, order.TotalPrice); err != nil {
		if errors.Is(err, ErrOverpayment) {
			return nil, validationFailed(err.Error(), err)
		}
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to capture payment")
		return nil, err
	}

	log.Info().
		Str("order_id", order.OrderID).
		Str("payment_id", payment.PaymentID).
		Str("amount", payment.Amount.String()).
		Msg("payment captured")

	return &types.PaymentResponse{
		PaymentID:   payment.PaymentID,
		OrderID:     order.OrderID,
		Amount:      payment.Amount,
		Currency:    currency,
		Status:      payment.Status,
		OrderStatus: order.Status,
		Timestamp:   now,
	}, nil
}

// OpenDispute flags the order as an exception on behalf of its buyer
func (s *Service) OpenDispute(ctx context.Context, buyerID, orderID string, req DisputeRequest) (*types.DisputeResponse, error) {
	order, err := s.buyerOrder(ctx, buyerID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == types.StatusCancelled {
		return nil, validationFailed("cancelled orders cannot be disputed", nil)
	}

	now := s.now()
	order.HasException = true
	order.HealthStatus = risk.AssessHealth(order, now)
	order.UpdatedAt = now

	dispute := &types.Dispute{
		DisputeID: "DSP_" + uuid.New().String(),
		OrderID:   order.OrderID,
		RaisedBy:  buyerID,
		Reason:    req.Reason,
		Status:    DisputeOpen,
		CreatedAt: now,
	}

	event := newEvent(order.OrderID, types.ActionDisputeOpened, buyerID, now)
	event.Metadata = metadata(map[string]interface{}{
		"dispute_id": dispute.DisputeID,
		"reason":     req.Reason,
	})

	logger := log.With().
		Str("order_id", order.OrderID).
		Str("service", "orders").
		Logger()

	if err := s.db.OpenDispute(ctx, order, dispute, event); err != nil {
		if errors.Is(err, ErrDisputeOpen) {
			return nil, response.NewAPIError(http.StatusConflict, response.ErrCodeDuplicateResource, err.Error(), err)
		}
		logger.Error().Err(err).Msg("failed to open dispute")
		return nil, err
	}

	s.refreshSupplier(ctx, order, logger)

	logger.Warn().Str("dispute_id", dispute.DisputeID).Msg("dispute opened")
	return &types.DisputeResponse{
		DisputeID:    dispute.DisputeID,
		OrderID:      order.OrderID,
		Status:       dispute.Status,
		HealthStatus: order.HealthStatus,
		Timestamp:    now,
	}, nil
}

// GetOrder returns the order if callerID is its buyer or seller
func (s *Service) GetOrder(ctx context.Context, callerID, orderID string) (*types.Order, error) {
	return s.partyOrder(ctx, callerID, orderID)
}

// partyOrder hides orders the caller is not a party to behind 404
func (s *Service) partyOrder(ctx context.Context, callerID, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil || (order.BuyerID != callerID && order.SellerID != callerID) {
		return nil, notFound()
	}
	return order, nil
}

func (s *Service) buyerOrder(ctx context.Context, buyerID, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.BuyerID != buyerID {
		return nil, notFound()
	}
	return order, nil
}

// refreshSupplier recomputes the seller's metrics after an outcome changed.
// The mutation has already committed, so a failure is only logged.
func (s *Service) refreshSupplier(ctx context.Context, order *types.Order, logger zerolog.Logger) {
	if _, err := s.suppliers.Recompute(ctx, order.BuyerID, order.SellerID); err != nil {
		logger.Warn().Err(err).Str("seller_id", order.SellerID).Msg("failed to refresh supplier metrics")
	}
}

func newEvent(orderID, action, actorID string, at time.Time) *types.AuditEvent {
	return &types.AuditEvent{
		EventID:   "EVT_" + uuid.New().String(),
		OrderID:   orderID,
		Action:    action,
		ActorID:   actorID,
		CreatedAt: at,
	}
}

func metadata(fields map[string]interface{}) datatypes.JSON {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func callerID(c *gin.Context) (string, error) {
	id := c.GetString(middleware.ClientIDKey)
	if id == "" {
		return "", response.NewAPIError(http.StatusUnauthorized, response.ErrCodeUnauthorized, "Missing caller identity", nil)
	}
	return id, nil
}

func badRequest(err error) error {
	return response.NewAPIError(http.StatusBadRequest, response.ErrCodeBadRequest, err.Error(), err)
}

// CreateOrderHandler handles POST /orders
// Request body: CreateOrderRequest
func (h *GinHandlers) CreateOrderHandler() idempotency.Handler {
	return func(c *gin.Context) (interface{}, error) {
		buyer, err := callerID(c)
		if err != nil {
			return nil, err
		}

		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, badRequest(err)
		}

		return h.service.CreateOrder(c.Request.Context(), buyer, req)
	}
}

// TransitionHandler handles POST /orders/:order_id/transitions
func (h *GinHandlers) TransitionHandler() idempotency.Handler {
	return func(c *gin.Context) (interface{}, error) {
		actor, err := callerID(c)
		if err != nil {
			return nil, err
		}

		var req TransitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, badRequest(err)
		}

		return h.service.Transition(c.Request.Context(), actor, c.Param("order_id"), req)
	}
}

// RecordPaymentHandler handles POST /orders/:order_id/payments
func (h *GinHandlers) RecordPaymentHandler() idempotency.Handler {
	return func(c *gin.Context) (interface{}, error) {
		payer, err := callerID(c)
		if err != nil {
			return nil, err
		}

		var req PaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, badRequest(err)
		}

		return h.service.RecordPayment(c.Request.Context(), payer, c.Param("order_id"), req)
	}
}

// OpenDisputeHandler handles POST /orders/:order_id/disputes
func (h *GinHandlers) OpenDisputeHandler() idempotency.Handler {
	return func(c *gin.Context) (interface{}, error) {
		buyer, err := callerID(c)
		if err != nil {
			return nil, err
		}

		var req DisputeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, badRequest(err)
		}

		return h.service.OpenDispute(c.Request.Context(), buyer, c.Param("order_id"), req)
	}
}

// GetOrderHandler handles GET /orders/:order_id for either party
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := callerID(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		order, err := h.service.GetOrder(c.Request.Context(), caller, c.Param("order_id"))
		response.Handle(c, order, err)
	}
}
