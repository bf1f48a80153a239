package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tigerfans/server/internal/accounting"
	"github.com/tigerfans/server/internal/config"
	"github.com/tigerfans/server/internal/logger"
	"github.com/tigerfans/server/internal/metrics"
	"github.com/tigerfans/server/internal/payment"
	"github.com/tigerfans/server/internal/paysession"
	"github.com/tigerfans/server/internal/storage"
)

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	ledger   accounting.Ledger
	sessions paysession.Store
	orders   storage.Store
	provider payment.Adapter
	mockpay  *payment.MockPay // non-nil only when the provider is MockPay
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, ledger accounting.Ledger, sessions paysession.Store, orders storage.Store, provider payment.Adapter, mockPay *payment.MockPay, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	h := handlers{
		cfg:      cfg,
		ledger:   ledger,
		sessions: sessions,
		orders:   orders,
		provider: provider,
		mockpay:  mockPay,
		metrics:  metricsCollector,
		logger:   appLogger,
	}

	s := &Server{
		handlers: h,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	configureRouter(router, cfg, h, appLogger)

	return s
}

// configureRouter attaches routes and middleware to the router.
func configureRouter(router chi.Router, cfg *config.Config, h handlers, appLogger zerolog.Logger) {
	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if cfg.Server.RateLimit > 0 {
		router.Use(httprate.LimitByIP(cfg.Server.RateLimit, cfg.Server.RateLimitWindow.Duration))
	}

	// Lightweight read endpoints.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", h.health)
		r.Get("/api/inventory", h.getInventory)
		r.Get("/api/pending", h.listPending)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle("/metrics", promhttp.Handler())
	})

	// Sale path.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/api/checkout", h.createCheckout)
		r.Get("/api/orders/{orderID}", h.getOrder)

		// Webhook URL must stay stable across providers.
		r.Post("/payments/webhook", h.paymentsWebhook)

		if h.mockpay != nil {
			r.Get("/mockpay/{psid}", h.mockpayScreen)
			r.Post("/mockpay/{psid}/emit", h.mockpayEmit)
		}
	})

	// Admin endpoints behind Basic auth.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(h.adminBasicAuth)
		r.Get("/api/admin/goodies", h.adminGoodies)
		r.Get("/api/admin/orders", h.adminOrders)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
