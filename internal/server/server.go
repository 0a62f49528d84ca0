package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tabi/internal/auth"
	"github.com/ashita-ai/tabi/internal/guardrails"
	"github.com/ashita-ai/tabi/internal/ratelimit"
	"github.com/ashita-ai/tabi/internal/service/decisions"
	"github.com/ashita-ai/tabi/internal/service/events"
	"github.com/ashita-ai/tabi/internal/service/health"
	"github.com/ashita-ai/tabi/internal/service/reviews"
)

// Server is the Tabi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Operators, Limiter, Broker, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	JWTMgr      *auth.JWTManager
	DecisionSvc *decisions.Service
	ReviewSvc   *reviews.Service
	HealthSvc   *health.Service
	Recorder    *events.Recorder
	Guardrails  *guardrails.Tracker
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Operators *auth.Operators
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	EvaluateTimeout     time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &Handlers{ServerConfig: cfg, startedAt: time.Now()}

	guard := ratelimit.NewGuard(cfg.Limiter, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}, cfg.Logger)

	readRole := requireRole(auth.RoleOperator, auth.RoleAuditor)
	writeRole := requireRole(auth.RoleOperator)

	mux := http.NewServeMux()

	// Public, rate limited by client IP.
	mux.Handle("POST /decision/evaluate", guard.Wrap("evaluate", http.HandlerFunc(h.HandleEvaluate)))
	mux.Handle("POST /v1/events", guard.Wrap("events", http.HandlerFunc(h.HandleCreateEvent)))
	mux.Handle("POST /auth/token", guard.Wrap("auth", http.HandlerFunc(h.HandleAuthToken)))

	// Liveness and operational health (no auth).
	mux.HandleFunc("GET /health", h.HandleLiveness)
	mux.HandleFunc("GET /ops/health", h.HandleHealth)

	// Reads (auditor+).
	mux.Handle("GET /v1/decisions/{id}", readRole(http.HandlerFunc(h.HandleGetDecision)))
	mux.Handle("GET /v1/decisions", readRole(http.HandlerFunc(h.HandleListDecisions)))
	mux.Handle("GET /v1/events", readRole(http.HandlerFunc(h.HandleListEvents)))
	mux.Handle("GET /v1/reviews", readRole(http.HandlerFunc(h.HandleListReviews)))
	mux.Handle("GET /v1/reviews/{id}", readRole(http.HandlerFunc(h.HandleGetReview)))
	mux.Handle("GET /ops/integrity", readRole(http.HandlerFunc(h.HandleIntegrity)))
	mux.Handle("GET /ops/integrity/proof", readRole(http.HandlerFunc(h.HandleIntegrityProof)))

	// Subscription (auditor+, no rate limit; long-lived connection).
	mux.Handle("GET /v1/subscribe", readRole(http.HandlerFunc(h.HandleSubscribe)))

	// Operator actions.
	mux.Handle("POST /v1/reviews/{id}/resolve", writeRole(http.HandlerFunc(h.HandleResolveReview)))
	mux.Handle("POST /ops/assurance", writeRole(http.HandlerFunc(h.HandleAssurance)))
	mux.Handle("DELETE /ops/snapshots/{topic}", writeRole(http.HandlerFunc(h.HandleInvalidateSnapshot)))

	// MCP StreamableHTTP transport (auditor+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	handler := chain(mux,
		requestIDMiddleware,
		securityHeadersMiddleware,
		func(next http.Handler) http.Handler { return tracingMiddleware(muxRoutes(mux), next) },
		func(next http.Handler) http.Handler { return loggingMiddleware(cfg.Logger, next) },
		func(next http.Handler) http.Handler { return authMiddleware(cfg.JWTMgr, next) },
		func(next http.Handler) http.Handler { return recoveryMiddleware(cfg.Logger, next) },
	)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// chain wraps h so that mws[0] sees the request first.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for _, mw := range slices.Backward(mws) {
		h = mw(h)
	}
	return h
}

// Start serves until Shutdown, which makes it return http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("http: listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires. Open event streams end when their request context is
// cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http: draining")
	return s.httpServer.Shutdown(ctx)
}
