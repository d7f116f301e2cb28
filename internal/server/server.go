// Package server wires services and routes into a gin engine
package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/auth"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/config"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/idempotency"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/metrics"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/orders"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/pricing"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/purchases"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/supplier"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/pkg/middleware"
)

// Services holds every service built over one database
type Services struct {
	Auth        *auth.Service
	Idempotency *idempotency.Database
	Guard       *idempotency.Guard
	Prices      *pricing.Service
	Suppliers   *supplier.Service
	Orders      *orders.Service
	Purchases   *purchases.Service
}

// NewServices builds the service graph. Demo credentials are registered
// outside production.
func NewServices(cfg *config.Config, db *gorm.DB) *Services {
	authService := auth.NewService(cfg.JWTSecret)
	if !cfg.IsProduction() {
		authService.RegisterDemoCredentials()
	}

	keys := idempotency.NewDatabase(db)
	prices := pricing.NewService(pricing.NewDatabase(db))
	suppliers := supplier.NewService(supplier.NewDatabase(db), cfg.SupplierSnapshotTTL)

	return &Services{
		Auth:        authService,
		Idempotency: keys,
		Guard:       idempotency.NewGuard(keys, idempotency.WithTTL(cfg.IdempotencyTTL)),
		Prices:      prices,
		Suppliers:   suppliers,
		Orders:      orders.NewService(db, prices, suppliers),
		Purchases:   purchases.NewService(purchases.NewDatabase(db), prices, suppliers),
	}
}

// NewRouter returns an engine with every API route and /metrics
func NewRouter(cfg *config.Config, s *Services) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics.Register()

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupRoutes(router, s)
	return router
}

// setupRoutes groups routes by surface:
// - Auth routes: public, rate limited per client IP
// - Order routes: JWT protected; every POST goes through the idempotency guard
// - Purchase and supplier routes: JWT protected read models
func setupRoutes(router *gin.Engine, s *Services) {
	authHandlers := auth.NewGinHandlers(s.Auth)
	orderHandlers := orders.NewGinHandlers(s.Orders)
	purchaseHandlers := purchases.NewGinHandlers(s.Purchases)
	guard := s.Guard

	authenticated := []gin.HandlerFunc{middleware.JWTAuth(s.Auth.Authenticate), middleware.RateLimit()}

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.Use(middleware.RateLimit())
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orderGroup := v1.Group("/orders")
		orderGroup.Use(authenticated...)
		{
			orderGroup.POST("", guard.Wrap(idempotency.RouteOptions{
				EntityRefPath: "data.order_id",
			}, orderHandlers.CreateOrderHandler()))
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.POST("/:order_id/transitions", guard.Wrap(idempotency.RouteOptions{
				Required:      true,
				EntityRefPath: "data.event_id",
			}, orderHandlers.TransitionHandler()))
			orderGroup.POST("/:order_id/payments", guard.Wrap(idempotency.RouteOptions{
				Required:      true,
				EntityRefPath: "data.payment_id",
			}, orderHandlers.RecordPaymentHandler()))
			orderGroup.POST("/:order_id/disputes", guard.Wrap(idempotency.RouteOptions{
				Required:      true,
				EntityRefPath: "data.dispute_id",
			}, orderHandlers.OpenDisputeHandler()))
		}

		purchaseGroup := v1.Group("/purchases")
		purchaseGroup.Use(authenticated...)
		{
			purchaseGroup.GET("", purchaseHandlers.ListPurchasesHandler())
			purchaseGroup.GET("/summary", purchaseHandlers.SummaryHandler())
			purchaseGroup.GET("/:order_id", purchaseHandlers.GetPurchaseHandler())
			purchaseGroup.GET("/:order_id/timeline", purchaseHandlers.TimelineHandler())
		}

		supplierGroup := v1.Group("/suppliers")
		supplierGroup.Use(authenticated...)
		{
			supplierGroup.GET("/:seller_id/metrics", purchaseHandlers.SupplierMetricsHandler())
		}

		v1.GET("/price-intelligence", append(authenticated, purchaseHandlers.PriceIntelligenceHandler())...)
	}
}
