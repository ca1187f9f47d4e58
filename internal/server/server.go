package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"marketrails/internal/config"
	"marketrails/internal/domain"
	"marketrails/internal/escrow"
	"marketrails/internal/events"
	"marketrails/internal/idempotency"
	"marketrails/internal/market"
	"marketrails/internal/sigauth"
)

// Balances reads ledger balances for the account endpoint.
type Balances interface {
	Balance(ctx context.Context, addr domain.Address) (*big.Int, error)
}

// Deps are the components the HTTP layer fronts.
type Deps struct {
	Registry    *market.Registry
	Book        *escrow.Book
	Balances    Balances
	Idempotency idempotency.Store
	Hub         *events.Hub
	Logger      *slog.Logger
	// Health maps a component name to its liveness check.
	Health map[string]func(context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	auth       *sigauth.Verifier
	limiter    *rateLimiter
	inflight   *inflight
	metrics    *metricsRegistry
	logger     *slog.Logger
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		auth:     &sigauth.Verifier{MaxSkew: cfg.Service.ClockSkew},
		limiter:  newRateLimiter(cfg.Service.RateLimitPerSecond, cfg.Service.RateLimitBurst),
		inflight: newInflight(),
		metrics:  newMetricsRegistry(deps.Registry, deps.Book, deps.Hub),
		logger:   logger,
	}
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", s.metrics.handler())
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout()))
			r.Get("/listings", s.handleListAvailable)
			r.Get("/listings/{id}", s.handleGetListing)
			r.Get("/sellers/{addr}/listings", s.handleListingsBySeller)
			r.Get("/buyers/{addr}/purchases", s.handlePurchasesByBuyer)
			r.Get("/escrows/{ref}", s.handleEscrowDetails)
			r.Get("/accounts/{addr}/balance", s.handleBalance)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout()))
			r.Use(s.auth.Middleware)
			r.Use(s.limiter.middleware)
			r.Use(s.idempotent)
			r.Post("/listings", s.handleCreateListing)
			r.Post("/listings/{id}/purchase", s.handlePurchase)
			r.Post("/listings/{id}/cancel", s.handleCancel)
			r.Post("/escrows/{ref}/confirm", s.escrowAction("confirm", s.deps.Book.Confirm))
			r.Post("/escrows/{ref}/refund", s.escrowAction("grant_refund", s.deps.Book.GrantRefund))
			r.Post("/escrows/{ref}/dispute", s.escrowAction("raise_dispute", s.deps.Book.RaiseDispute))
			r.Post("/escrows/{ref}/claim-timeout", s.escrowAction("claim_timeout", s.deps.Book.ClaimTimeout))
		})
	})
	return r
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.Service.RequestTimeout > 0 {
		return s.cfg.Service.RequestTimeout
	}
	return 15 * time.Second
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type component struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}

	names := make([]string, 0, len(s.deps.Health))
	for name := range s.deps.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	components := make(map[string]component, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		start := time.Now()
		err := s.deps.Health[name](ctx)
		cancel()
		c := component{Connected: err == nil, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
		if err != nil {
			c.Error = err.Error()
			healthy = false
		}
		components[name] = c
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status     string               `json:"status"`
		Components map[string]component `json:"components"`
		OpenEscrow int                  `json:"open_escrows"`
	}{
		Status:     status,
		Components: components,
		OpenEscrow: s.deps.Book.Stats().Open,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Header.Get("X-Request-Id"),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
