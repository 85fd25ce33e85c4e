// Package server is the spendpilot HTTP API: agent dispatch, run tickets,
// event ingestion, campaign policies and reports, plus the MCP transport.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spendpilot/spendpilot/internal/auth"
	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/ratelimit"
)

// Server is the spendpilot HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Gatherer, MCPServer, Platforms.
type ServerConfig struct {
	// Required dependencies.
	Store      Store
	Dispatcher Enqueuer
	JWTMgr     *auth.JWTManager
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Gatherer  prometheus.Gatherer
	MCPServer *mcpserver.MCPServer
	Platforms func() []model.Platform

	StaleAfter time.Duration

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Enqueuer:            cfg.Dispatcher,
		Platforms:           cfg.Platforms,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		StaleAfter:          cfg.StaleAfter,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	rl := ratelimit.Middleware(cfg.Limiter, rateLimitKey, reqIDFunc)

	mux := http.NewServeMux()

	// Read endpoints (viewer+).
	viewer := requireRole(model.RoleViewer)
	mux.Handle("GET /v1/agents", rl(viewer(http.HandlerFunc(h.HandleListAgents))))
	mux.Handle("GET /v1/runs", rl(viewer(http.HandlerFunc(h.HandleListRuns))))
	mux.Handle("GET /v1/runs/stale", rl(viewer(http.HandlerFunc(h.HandleStaleRuns))))
	mux.Handle("GET /v1/policies", rl(viewer(http.HandlerFunc(h.HandleListPolicies))))
	mux.Handle("GET /v1/reports/kpis", rl(viewer(http.HandlerFunc(h.HandleKPIs))))
	mux.Handle("GET /v1/reports/attribution", rl(viewer(http.HandlerFunc(h.HandleAttributionReport))))

	// Dispatch and ingestion (analyst+).
	analyst := requireRole(model.RoleAnalyst)
	mux.Handle("POST /v1/agents/run", rl(analyst(http.HandlerFunc(h.HandleRunAgent))))
	mux.Handle("POST /v1/events", rl(analyst(http.HandlerFunc(h.HandleIngestEvents))))

	// Policy changes (admin).
	mux.Handle("PUT /v1/policies", requireRole(model.RoleAdmin)(http.HandlerFunc(h.HandlePutPolicies)))

	// MCP StreamableHTTP transport. Tools check roles themselves.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", rl(viewer(mcpHTTP)))
	}

	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
