// Package server implements the HTTP API surface (SPEC_FULL.md §6).
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hantei-ai/hantei/internal/auth"
	"github.com/hantei-ai/hantei/internal/chain"
	"github.com/hantei-ai/hantei/internal/ops"
	"github.com/hantei-ai/hantei/internal/ratelimit"
	"github.com/hantei-ai/hantei/internal/sse"
	"github.com/hantei-ai/hantei/internal/storage"
)

// Server is the hantei HTTP server: the fixed surface of SPEC_FULL.md §6
// (health, metrics, sse, tools, auth) wrapped in the teacher's middleware
// chain (request ID, security headers, CORS, tracing, logging, baggage,
// auth, recovery, rate limiting).
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler, for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds every dependency New needs to build the route table.
type ServerConfig struct {
	Store       storage.Persistence
	JWTManager  *auth.JWTManager
	Registry    *ops.Registry
	ChainMgr    *chain.Manager
	SSEHandler  *sse.Handler
	Limiter     *ratelimit.Limiter
	OpenAPISpec []byte
	Logger      *slog.Logger
	Version     string

	Port               int
	CORSAllowedOrigins []string
}

// New builds the route table and middleware chain and returns a Server
// ready for ListenAndServe.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := NewHandlers(cfg.Store, cfg.JWTManager, cfg.Registry, cfg.ChainMgr, cfg.OpenAPISpec, cfg.Logger, cfg.Version)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /metrics", h.HandleMetrics)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /api/tools", h.HandleListTools)
	mux.HandleFunc("POST /api/tools/{name}", h.HandleInvokeTool)
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)
	if cfg.SSEHandler != nil {
		mux.Handle("GET /sse", cfg.SSEHandler)
	}

	var handler http.Handler = mux

	// Order matters: outermost to innermost, request ID first so every
	// later layer (including recovery) can log it, rate limiting last so
	// it only gates requests that already passed auth.
	if cfg.Limiter != nil {
		handler = ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
			Prefix: "http",
			Limit:  600,
			Window: time.Minute,
		}, ratelimit.IPKeyFunc)(handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTManager, cfg.Store, handler)
	handler = baggageMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              portAddr(cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      0, // SSE connections are long-lived
			IdleTimeout:       120 * time.Second,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

func portAddr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}

// ListenAndServe starts the HTTP server. Blocks until the server stops or
// ctx is cancelled, in which case it runs a graceful shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
