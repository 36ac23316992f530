package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/server/handler"
	"github.com/habitplatform/matchsync/internal/server/middleware"
	"github.com/habitplatform/matchsync/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// ChainReadLimit requests per ChainReadWindow are allowed per client IP
	// on the direct ledger routes.
	ChainReadLimit  int
	ChainReadWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Chain may be nil when ledger reads are disabled.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Stakes  *handler.StakeHandler
	Chain   *handler.ChainHandler
	Metrics http.Handler
}

// Server is the read-only HTTP + WebSocket API over the stake mirror.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches the
// WebSocket hub when one is given. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Mirror reads.
	mux.HandleFunc("GET /api/stakes/incoming", handlers.Stakes.Incoming)
	mux.HandleFunc("GET /api/stakes/outgoing", handlers.Stakes.Outgoing)
	mux.HandleFunc("GET /api/matches", handlers.Stakes.Matches)

	// Direct ledger reads hit the RPC provider, so they are rate limited.
	if handlers.Chain != nil {
		limit := middleware.RateLimit(limiter, "chain", cfg.ChainReadLimit, cfg.ChainReadWindow, logger)
		mux.Handle("GET /api/chain/stakes/{staker}/{target}", limit(http.HandlerFunc(handlers.Chain.GetStake)))
		mux.Handle("GET /api/chain/matches/{a}/{b}", limit(http.HandlerFunc(handlers.Chain.GetMatch)))
	}

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger, "/api/health", "/metrics")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
