package purchases

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/metrics"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/pricing"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/risk"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/supplier"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/timeline"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/pkg/middleware"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/pkg/response"
)

// Purchase is an order as its buyer sees it. HealthStatus is re-derived on
// every read.
type Purchase struct {
	types.Order
	Urgency risk.Urgency `json:"urgency"`
	Savings risk.Savings `json:"savings"`
}

// PurchaseDetail adds the timeline and price and supplier intelligence
type PurchaseDetail struct {
	Purchase
	Timeline        []timeline.Checkpoint `json:"timeline"`
	PriceComparison *pricing.Comparison   `json:"price_comparison"`
	Supplier        *supplier.Metrics     `json:"supplier"`
}

// Summary aggregates a buyer's purchases
type Summary struct {
	TotalOrders      int                        `json:"total_orders"`
	ByStatus         map[types.OrderStatus]int  `json:"by_status"`
	ByUrgency        map[risk.Urgency]int       `json:"by_urgency"`
	ByHealth         map[types.HealthStatus]int `json:"by_health"`
	DelayedCount     int                        `json:"delayed_count"`
	TotalSpend       decimal.Decimal            `json:"total_spend"`
	AvgPriceVariance *float64                   `json:"avg_price_variance"`
}

// Service answers buyer purchase queries. Every derived field is computed
// from freshly fetched data; nothing here mutates an order.
type Service struct {
	store     Store
	prices    *pricing.Service
	suppliers *supplier.Service
	now       func() time.Time
}

func NewService(store Store, prices *pricing.Service, suppliers *supplier.Service) *Service {
	return &Service{
		store:     store,
		prices:    prices,
		suppliers: suppliers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) derive(order types.Order, now time.Time) Purchase {
	order.HealthStatus = risk.AssessHealth(&order, now)
	return Purchase{
		Order:   order,
		Urgency: risk.ClassifyUrgency(&order, now),
		Savings: risk.ClassifySavings(order.PriceVariance),
	}
}

// List returns the buyer's purchases matching f, newest first
func (s *Service) List(ctx context.Context, buyerID string, f Filter) ([]Purchase, error) {
	timer := prometheus.NewTimer(metrics.DerivationDuration.WithLabelValues("purchase_list"))
	defer timer.ObserveDuration()

	orders, err := s.store.ListBuyerOrders(ctx, buyerID, f)
	if err != nil {
		return nil, err
	}

	now := s.now()
	purchases := make([]Purchase, 0, len(orders))
	for _, o := range orders {
		p := s.derive(o, now)
		if f.matchesDerived(&p) {
			purchases = append(purchases, p)
		}
	}
	return purchases, nil
}

// Get returns nil, nil when the buyer has no such order
func (s *Service) Get(ctx context.Context, buyerID, orderID string) (*PurchaseDetail, error) {
	timer := prometheus.NewTimer(metrics.DerivationDuration.WithLabelValues("purchase_detail"))
	defer timer.ObserveDuration()

	order, err := s.store.GetBuyerOrder(ctx, buyerID, orderID)
	if err != nil || order == nil {
		return nil, err
	}

	now := s.now()
	detail := &PurchaseDetail{Purchase: s.derive(*order, now)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		events, err := s.store.AuditEvents(gctx, order.OrderID)
		if err != nil {
			return err
		}
		detail.Timeline = timeline.Build(order, events, now)
		return nil
	})
	g.Go(func() error {
		cmp, err := s.prices.Compare(gctx, buyerID, order.ItemSKU, order.UnitPrice)
		if err != nil {
			return fmt.Errorf("price comparison: %w", err)
		}
		detail.PriceComparison = cmp
		return nil
	})
	g.Go(func() error {
		m, err := s.suppliers.Metrics(gctx, buyerID, order.SellerID, false)
		if err != nil {
			return fmt.Errorf("supplier metrics: %w", err)
		}
		detail.Supplier = m
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return detail, nil
}

// Timeline returns nil, nil when the buyer has no such order
func (s *Service) Timeline(ctx context.Context, buyerID, orderID string) ([]timeline.Checkpoint, error) {
	timer := prometheus.NewTimer(metrics.DerivationDuration.WithLabelValues("timeline"))
	defer timer.ObserveDuration()

	order, err := s.store.GetBuyerOrder(ctx, buyerID, orderID)
	if err != nil || order == nil {
		return nil, err
	}

	events, err := s.store.AuditEvents(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	return timeline.Build(order, events, s.now()), nil
}

// Summary aggregates every purchase of the buyer. Spend excludes orders that
// were cancelled, failed or refunded.
func (s *Service) Summary(ctx context.Context, buyerID string) (*Summary, error) {
	timer := prometheus.NewTimer(metrics.DerivationDuration.WithLabelValues("purchase_summary"))
	defer timer.ObserveDuration()

	orders, err := s.store.ListBuyerOrders(ctx, buyerID, Filter{})
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		TotalOrders: len(orders),
		ByStatus:    map[types.OrderStatus]int{},
		ByUrgency:   map[risk.Urgency]int{},
		ByHealth:    map[types.HealthStatus]int{},
		TotalSpend:  decimal.Zero,
	}

	now := s.now()
	var varianceTotal float64
	var varianceCount int
	for _, o := range orders {
		p := s.derive(o, now)
		sum.ByStatus[p.Status]++
		sum.ByUrgency[p.Urgency]++
		sum.ByHealth[p.HealthStatus]++
		if p.HealthStatus == types.HealthDelayed {
			sum.DelayedCount++
		}
		if !p.Status.IsSideExit() {
			sum.TotalSpend = sum.TotalSpend.Add(p.TotalPrice)
		}
		if p.PriceVariance != nil {
			varianceTotal += *p.PriceVariance
			varianceCount++
		}
	}

	if varianceCount > 0 {
		avg := decimal.NewFromFloat(varianceTotal / float64(varianceCount)).Round(2).InexactFloat64()
		sum.AvgPriceVariance = &avg
	}
	return sum, nil
}

// PriceIntelligenceResponse keeps "no history" explicit as a null comparison
type PriceIntelligenceResponse struct {
	ItemSKU    string              `json:"item_sku"`
	Comparison *pricing.Comparison `json:"comparison"`
}

// SupplierMetricsResponse keeps "never traded" explicit as null metrics
type SupplierMetricsResponse struct {
	SellerID string            `json:"seller_id"`
	Metrics  *supplier.Metrics `json:"metrics"`
}

// GinHandlers contains HTTP handlers for buyer purchase queries
type GinHandlers struct {
	service   *Service
	prices    *pricing.Service
	suppliers *supplier.Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service:   service,
		prices:    service.prices,
		suppliers: service.suppliers,
	}
}

// buyerID returns the authenticated caller or writes 401
func buyerID(c *gin.Context) (string, bool) {
	id := c.GetString(middleware.ClientIDKey)
	if id == "" {
		response.Unauthorized(c, "Missing caller identity")
		return "", false
	}
	return id, true
}

// fetchFailed logs a derivation failure and hides it behind a generic message
func fetchFailed(c *gin.Context, err error, op string) {
	log.Error().
		Err(err).
		Str("operation", op).
		Str("path", c.Request.URL.Path).
		Msg("purchase query failed")
	response.InternalError(c, "Failed to fetch purchases")
}

// ListPurchasesHandler handles GET /purchases
// Query: status, healthStatus, urgency, savings, search, dateFrom, dateTo, sellerId
func (h *GinHandlers) ListPurchasesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyer, ok := buyerID(c)
		if !ok {
			return
		}

		filter, err := ParseFilter(c.Request.URL.Query())
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		purchases, err := h.service.List(c.Request.Context(), buyer, filter)
		if err != nil {
			fetchFailed(c, err, "list")
			return
		}
		response.Success(c, purchases)
	}
}

func (h *GinHandlers) SummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyer, ok := buyerID(c)
		if !ok {
			return
		}

		summary, err := h.service.Summary(c.Request.Context(), buyer)
		if err != nil {
			fetchFailed(c, err, "summary")
			return
		}
		response.Success(c, summary)
	}
}

func (h *GinHandlers) GetPurchaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyer, ok := buyerID(c)
		if !ok {
			return
		}

		detail, err := h.service.Get(c.Request.Context(), buyer, c.Param("order_id"))
		if err != nil {
			fetchFailed(c, err, "detail")
			return
		}
		if detail == nil {
			response.NotFound(c, "Purchase not found")
			return
		}
		response.Success(c, detail)
	}
}

func (h *GinHandlers) TimelineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyer, ok := buyerID(c)
		if !ok {
			return
		}

		checkpoints, err := h.service.Timeline(c.Request.Context(), buyer, c.Param("order_id"))
		if err != nil {
			fetchFailed(c, err, "timeline")
			return
		}
		if checkpoints == nil {
			response.NotFound(c, "Purchase not found")
			return
		}
		response.Success(c, checkpoints)
	}
}

// SupplierMetricsHandler handles GET /suppliers/:seller_id/metrics?refresh=true
func (h *GinHandlers) SupplierMetricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyer, ok := buyerID(c)
		if !ok {
			return
		}

		refresh := false
		if s := c.Query("refresh"); s != "" {
			var err error
			if refresh, err = strconv.ParseBool(s); err != nil {
				response.BadRequest(c, "refresh must be a boolean")
				return
			}
		}

		sellerID := c.Param("seller_id")
		m, err := h.suppliers.Metrics(c.Request.Context(), buyer, sellerID, refresh)
		if err != nil {
			fetchFailed(c, err, "supplier_metrics")
			return
		}
		response.Success(c, SupplierMetricsResponse{SellerID: sellerID, Metrics: m})
	}
}

// PriceIntelligenceHandler handles GET /price-intelligence?sku=&price=
func (h *GinHandlers) PriceIntelligenceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyer, ok := buyerID(c)
		if !ok {
			return
		}

		sku := c.Query("sku")
		if sku == "" {
			response.BadRequest(c, "sku is required")
			return
		}
		price, err := pricing.ParsePrice(c.Query("price"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		cmp, err := h.prices.Compare(c.Request.Context(), buyer, sku, price)
		if err != nil {
			fetchFailed(c, err, "price_intelligence")
			return
		}
		response.Success(c, PriceIntelligenceResponse{ItemSKU: sku, Comparison: cmp})
	}
}
