// Package server exposes the router's admin and query API over HTTP, plus a
// websocket event stream and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
	"github.com/alanyoungcy/yieldrouter/internal/server/handler"
	"github.com/alanyoungcy/yieldrouter/internal/server/middleware"
	"github.com/alanyoungcy/yieldrouter/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per RateWindow per client; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Nil optional
// handlers leave their routes unregistered.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Vault      *handler.VaultHandler
	Strategy   *handler.StrategyHandler
	Allocation *handler.AllocationHandler
	CrossChain *handler.CrossChainHandler
	Snapshot   *handler.SnapshotHandler // optional
	Audit      *handler.AuditHandler    // optional
	Metrics    http.Handler             // optional
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// publicPaths skip API-key authentication.
var publicPaths = []string{"/api/health", "/metrics"}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, auth, rate limit) and attaches the
// WebSocket hub when one is given. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	// Vault.
	mux.HandleFunc("GET /api/vault", handlers.Vault.ListSlots)
	mux.HandleFunc("GET /api/vault/{asset}", handlers.Vault.GetSlot)
	mux.HandleFunc("POST /api/vault/{asset}/deposit", handlers.Vault.Deposit)
	mux.HandleFunc("POST /api/vault/{asset}/withdraw", handlers.Vault.Withdraw)
	mux.HandleFunc("POST /api/vault/pause", handlers.Vault.Pause)
	mux.HandleFunc("POST /api/vault/unpause", handlers.Vault.Unpause)

	// Strategy registry.
	mux.HandleFunc("GET /api/strategies", handlers.Strategy.ListStrategies)
	mux.HandleFunc("GET /api/strategies/{id}", handlers.Strategy.GetStrategy)
	mux.HandleFunc("POST /api/strategies", handlers.Strategy.RegisterStrategy)
	mux.HandleFunc("POST /api/strategies/{id}/deactivate", handlers.Strategy.DeactivateStrategy)

	// Allocation ledger.
	mux.HandleFunc("GET /api/allocations/{strategyID}/{asset}", handlers.Allocation.GetAllocation)
	mux.HandleFunc("GET /api/liquidity/{asset}", handlers.Allocation.Liquidity)
	mux.HandleFunc("POST /api/pools", handlers.Allocation.AddPool)
	mux.HandleFunc("POST /api/operators", handlers.Allocation.AddOperator)
	mux.HandleFunc("PUT /api/allocation-cap", handlers.Allocation.SetAllocationCap)
	mux.HandleFunc("POST /api/invest", handlers.Allocation.Invest)
	mux.HandleFunc("POST /api/withdraw", handlers.Allocation.Withdraw)
	mux.HandleFunc("POST /api/harvest", handlers.Allocation.Harvest)
	mux.HandleFunc("POST /api/emergency-withdraw", handlers.Allocation.EmergencyWithdraw)

	// Cross-chain coordinator.
	mux.HandleFunc("GET /api/domains", handlers.CrossChain.ListDomains)
	mux.HandleFunc("POST /api/domains", handlers.CrossChain.AddDomain)
	mux.HandleFunc("POST /api/domains/{id}/deactivate", handlers.CrossChain.DeactivateDomain)
	mux.HandleFunc("GET /api/transfers", handlers.CrossChain.ListTransfers)
	mux.HandleFunc("GET /api/transfers/pending", handlers.CrossChain.PendingTransfers)
	mux.HandleFunc("GET /api/transfers/{id}", handlers.CrossChain.GetTransfer)
	mux.HandleFunc("POST /api/transfers/{id}/fail", handlers.CrossChain.MarkFailed)

	if handlers.Snapshot != nil {
		mux.HandleFunc("POST /api/snapshots", handlers.Snapshot.Trigger)
		mux.HandleFunc("GET /api/snapshots/latest", handlers.Snapshot.Latest)
	}
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.List)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled and then shuts down within five seconds.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutCtx)
	}
}
