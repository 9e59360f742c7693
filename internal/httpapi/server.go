package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/metrics"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/meshnode"
)

// Server represents the HTTP API server
type Server struct {
	node       meshnode.Node
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
	logger     *zap.Logger
}

// Config holds server configuration
type Config struct {
	Port      string
	SecretKey string

	// NoAuth bypasses JWT checks on roster endpoints. Admin endpoints always require a token.
	NoAuth bool

	// TokenTTL is the lifetime of issued tokens
	TokenTTL time.Duration

	// Metrics is served on /metrics when set
	Metrics *prometheus.Registry
}

// NewServer creates a new HTTP API server
func NewServer(node meshnode.Node, config Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("httpapi")

	secretKey := config.SecretKey
	if secretKey == "" {
		secretKey = "meshtopo-dev-secret-key-change-in-production"
		logger.Warn("No HTTP secret configured, using the development key")
	}

	jwtAuth := NewJWTAuth(secretKey, config.TokenTTL)
	server := &Server{
		node:       node,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(node, jwtAuth, logger),
		middleware: NewMiddleware(jwtAuth, config.NoAuth, logger),
		logger:     logger,
	}

	server.server = &http.Server{
		Addr:           ":" + config.Port,
		Handler:        server.setupRoutes(config.Metrics),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	return server
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	s.logger.Info("HTTP API listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener. It returns nil after Stop.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.CORS(
					s.middleware.ContentType(handler))))
	}

	// Authentication endpoints (no auth required)
	mux.Handle("/api/v1/auth/login", withMiddleware(s.handlers.Login))

	// Read endpoints (no auth required)
	mux.Handle("/api/v1/health", withMiddleware(s.handlers.Health))
	mux.Handle("/api/v1/view", withMiddleware(s.handlers.View))
	mux.Handle("/api/v1/groups", withMiddleware(s.handlers.Groups))
	mux.Handle("/api/v1/peers", withMiddleware(s.handlers.Peers))
	mux.Handle("/api/v1/peers/{id}", withMiddleware(s.handlers.Peer))
	mux.Handle("/api/v1/updates", withMiddleware(s.handlers.Updates))

	// Roster endpoints (auth required)
	mux.Handle("/api/v1/roster/join", withMiddleware(s.middleware.AuthRequired(s.handlers.Join)))
	mux.Handle("/api/v1/roster/leave", withMiddleware(s.middleware.AuthRequired(s.handlers.Leave)))
	mux.Handle("/api/v1/roster/state", withMiddleware(s.middleware.AuthRequired(s.handlers.ReportState)))

	// Admin endpoints (admin auth required)
	mux.Handle("/api/v1/admin/groups/{id}/merge", withMiddleware(s.middleware.AdminRequired(s.handlers.MergeGroup)))

	if reg != nil {
		mux.Handle("/metrics", metrics.Handler(reg))
	}

	// Root endpoint with API info
	mux.Handle("/", withMiddleware(s.handleRoot))

	return mux
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	info := map[string]interface{}{
		"service":     "meshtopo HTTP API",
		"version":     "1.0.0",
		"description": "Overlay topology manager for peer-to-peer sessions",
		"node":        s.node.NodeID(),
		"endpoints": map[string]interface{}{
			"auth": map[string]string{
				"login": "POST /api/v1/auth/login",
			},
			"topology": map[string]string{
				"view":    "GET /api/v1/view",
				"groups":  "GET /api/v1/groups",
				"peers":   "GET /api/v1/peers",
				"peer":    "GET /api/v1/peers/{id}",
				"updates": "GET /api/v1/updates?since={version}&limit={n}",
			},
			"roster": map[string]string{
				"join":  "POST /api/v1/roster/join",
				"leave": "POST /api/v1/roster/leave",
				"state": "POST /api/v1/roster/state",
			},
			"admin": map[string]string{
				"merge": "POST /api/v1/admin/groups/{id}/merge",
			},
			"health":  "GET /api/v1/health",
			"metrics": "GET /metrics",
		},
		"authentication": "Bearer JWT token required for roster and admin endpoints",
	}

	writeJSON(w, info, http.StatusOK)
}
