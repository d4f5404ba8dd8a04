// Package api exposes the billing, subscription and generation surface over
// HTTP. Handlers stay thin: parse, authenticate, call an application handler,
// translate the error.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/letterahq/lettera/pkg/observability"
)

// Server is the public HTTP API server.
type Server struct {
	router *chi.Mux
	server *http.Server
	logger *slog.Logger
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           "0.0.0.0:8080",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Handlers groups the route handlers mounted on the server.
type Handlers struct {
	Billing       *BillingHandler
	Subscriptions *SubscriptionHandler
	Generations   *GenerationHandler
	Webhooks      *WebhookHandler
}

// NewServer creates the API server. metrics may be nil to skip request
// instrumentation and the /metrics endpoint (local mode without a registry).
func NewServer(
	cfg ServerConfig,
	handlers Handlers,
	health *observability.HealthRegistry,
	metrics observability.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router: chi.NewRouter(),
		logger: logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(logger))
	if metrics != nil {
		s.router.Use(requestMetrics(metrics))
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(cfg.RequestTimeout))

	s.registerRoutes(handlers, health, metrics)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func (s *Server) registerRoutes(h Handlers, health *observability.HealthRegistry, metrics observability.Metrics) {
	s.router.Get("/health", handleHealth(health))
	if exporter, ok := metrics.(interface{ Handler() http.Handler }); ok {
		s.router.Method(http.MethodGet, "/metrics", exporter.Handler())
	}

	// The gateway authenticates with a signature, not a user identity.
	s.router.Post("/webhooks/gateway", h.Webhooks.HandleGatewayEvent)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireUser)

		r.Post("/checkout", h.Billing.Checkout)
		r.Post("/payments/confirm", h.Billing.ConfirmPayment)
		r.Get("/payments", h.Billing.ListPayments)
		r.Post("/payments/{paymentID}/refund", h.Billing.RefundPayment)

		r.Post("/subscriptions/cancel", h.Subscriptions.Cancel)
		r.Get("/subscriptions/active", h.Subscriptions.GetActive)
		r.Get("/usage", h.Subscriptions.GetUsage)

		r.Post("/generations", h.Generations.Generate)
	})
}

// handleHealth runs the registered checks; an unhealthy dependency turns the
// endpoint into a 503 so load balancers stop routing here.
func handleHealth(registry *observability.HealthRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if registry == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
			return
		}

		overall := registry.GetOverallHealth(r.Context())
		status := http.StatusOK
		if overall.Status == observability.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, overall)
	}
}

// Start starts the API server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// requestMetrics records a counter and a latency histogram per request,
// tagged by the matched chi route pattern so path parameters don't explode
// the label cardinality.
func requestMetrics(metrics observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			tags := []observability.Tag{
				observability.T("method", r.Method),
				observability.T("route", route),
				observability.T("status", strconv.Itoa(ww.Status())),
			}
			metrics.Counter("http_requests", 1, tags...)
			metrics.Timing("http_request_duration", time.Since(start), tags...)
		})
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
