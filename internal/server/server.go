// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/metrics"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultHost is the bind host when none is configured.
	DefaultHost = "localhost"

	// DefaultPort is the channel server port.
	DefaultPort = 6121

	// Version is reported by /health.
	Version = "0.3.0"
)

// ============================================================================
// CONFIG
// ============================================================================

// Config configures a Server.
type Config struct {
	Host string
	Port int

	// Token is required in module announces and as a bearer token on
	// /metrics. Empty leaves the server open.
	Token string

	// AllowedIPs restricts clients. Empty allows all.
	AllowedIPs []string

	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64
	RateBurst int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// ============================================================================
// SERVER
// ============================================================================

// Server hosts the channel hub over HTTP.
//
// Endpoints:
//   - GET /ws      - websocket hub
//   - GET /health  - health check with connected peers
//   - GET /metrics - Prometheus metrics
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	hub     *Hub
	mux     *http.ServeMux
	limiter *RateLimiter
	started time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a server. Nothing listens until Start or Serve.
func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	logger := logging.Component(cfg.Logger, "server")
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		hub:     NewHub(cfg.Token, logger, cfg.Metrics),
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.setupRoutes()
	return s
}

// Addr returns host:port from the configuration, or the bound address once
// listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.mux.Handle("GET /ws", s.hub.Handler())
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
	}
	if s.limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter, s.logger))
	}
	middlewares = append(middlewares, AuthMiddleware(&AuthConfig{
		BearerToken: s.cfg.Token,
		AllowedIPs:  s.cfg.AllowedIPs,
		Exempt:      []string{"/ws", "/health"},
	}, s.logger))
	return Chain(middlewares...)(s.mux)
}

// ============================================================================
// HANDLERS
// ============================================================================

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status  string     `json:"status"`
	Version string     `json:"version"`
	Uptime  string     `json:"uptime"`
	Peers   []PeerInfo `json:"peers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Peers:   s.hub.Peers(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("server started", "addr", ln.Addr().String(), "version", Version)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown disconnects peers and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("server stopping")
	return srv.Shutdown(ctx)
}
