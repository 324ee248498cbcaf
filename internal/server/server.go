package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiroku/internal/ctxutil"
	"github.com/ashita-ai/kiroku/internal/ingest"
	"github.com/ashita-ai/kiroku/internal/otlp"
	"github.com/ashita-ai/kiroku/internal/ratelimit"
)

// ProjectResolver maps a project key to its project id.
type ProjectResolver interface {
	Resolve(ctx context.Context, key string) (uuid.UUID, error)
}

// HealthChecker reports store reachability for /health.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Kind() string
}

// Server is the kiroku HTTP server.
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
// Optional fields (nil-safe): Limiter, MCPServer, Routes, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Ingest     *ingest.Service
	Translator *otlp.Translator
	Projects   ProjectResolver
	Store      HealthChecker
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// Routes registers additional handlers on the mux before the defaults.
	Routes []func(mux *http.ServeMux)
	// Middlewares wrap the mux inside the built-in chain, first listed outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	FallbackProjectKey  string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg)

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	limited := ratelimit.Middleware(cfg.Limiter, projectKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()
	for _, register := range cfg.Routes {
		register(mux)
	}

	// Native SDK ingest.
	mux.Handle("POST /v1/runs/ingest", h.withProject(limited(http.HandlerFunc(h.HandleIngest))))

	// OTLP/HTTP. Project keys may travel inside the payload, so these
	// handlers resolve the project and apply the rate limit themselves.
	mux.HandleFunc("/v1/traces", h.HandleTraces)
	mux.HandleFunc("/v1/logs", h.HandleLogs)
	mux.HandleFunc("/v1/metrics", h.HandleMetrics)
	mux.HandleFunc("/v1/", h.HandleNotFound)

	// MCP StreamableHTTP transport, scoped to the caller's project.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
				return ctxutil.WithProjectID(ctx, ctxutil.ProjectIDFromContext(r.Context()))
			}),
		)
		mux.Handle("/mcp", h.withProject(limited(mcpHTTP)))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	var handler http.Handler = mux
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// projectKeyFunc rate limits by resolved project.
func projectKeyFunc(r *http.Request) string {
	id := ctxutil.ProjectIDFromContext(r.Context())
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
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
