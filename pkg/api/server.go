// Package api serves the read-only diagnostics endpoints of a cache
// instance: health, tier statistics, hot keys, per-key state, breaker state
// and Prometheus metrics. No endpoint mutates cache state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/pkg/types"
)

// Diagnostics is the view of a cache service the server reports on.
type Diagnostics interface {
	Health(ctx context.Context) error
	CacheNames() []string
	Stats() map[string]types.TierStatsSnapshot
	KnownHotKeys(ctx context.Context) []string
	Diagnose(ctx context.Context, key string) types.KeyDiagnostics
	BreakerStats() map[string]circuit.CircuitBreakerStats
	MetricsHandler() http.Handler
}

// Server provides HTTP API endpoints for monitoring
type Server struct {
	httpServer *http.Server
	diag       Diagnostics
	logger     *slog.Logger
	config     ServerConfig
	started    time.Time
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8081")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// HealthTimeout bounds the store ping behind /health
	HealthTimeout time.Duration `yaml:"health_timeout" json:"health_timeout"`

	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       ":8081",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		HealthTimeout: 2 * time.Second,
		EnableMetrics: true,
	}
}

// NewServer creates a new API server
func NewServer(config ServerConfig, diag Diagnostics, logger *slog.Logger) *Server {
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = DefaultServerConfig().HealthTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		diag:    diag,
		logger:  logger.With("component", "api"),
		config:  config,
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/diagnostics/stats", s.handleStats)
	mux.HandleFunc("/diagnostics/hotkeys", s.handleHotKeys)
	mux.HandleFunc("/diagnostics/keys/{key...}", s.handleKey)
	mux.HandleFunc("/diagnostics/breakers", s.handleBreakers)
	mux.HandleFunc("/info", s.handleInfo)
	if config.EnableMetrics {
		mux.Handle("/metrics", diag.MetricsHandler())
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting diagnostics server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Diagnostics server failed", "error", err)
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down diagnostics server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.HealthTimeout)
	defer cancel()

	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"caches":    len(s.diag.CacheNames()),
	}
	statusCode := http.StatusOK
	if err := s.diag.Health(ctx); err != nil {
		response["status"] = "unhealthy"
		response["error"] = err.Error()
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, response)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}

	stats := s.diag.Stats()
	if name := r.URL.Query().Get("cache"); name != "" {
		snapshot, ok := stats[name]
		if !ok {
			s.respondError(w, http.StatusNotFound, "Unknown cache: "+name)
			return
		}
		s.respondJSON(w, http.StatusOK, snapshot)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHotKeys(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}

	keys := s.diag.KnownHotKeys(r.Context())
	if keys == nil {
		keys = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"known_hot": keys,
		"count":     len(keys),
	})
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}

	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		s.respondError(w, http.StatusBadRequest, "Key is required")
		return
	}
	s.respondJSON(w, http.StatusOK, s.diag.Diagnose(r.Context(), key))
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	s.respondJSON(w, http.StatusOK, s.diag.BreakerStats())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}

	endpoints := []string{
		"/health",
		"/health/live",
		"/diagnostics/stats",
		"/diagnostics/hotkeys",
		"/diagnostics/keys/{key}",
		"/diagnostics/breakers",
		"/info",
	}
	if s.config.EnableMetrics {
		endpoints = append(endpoints, "/metrics")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "tiercache",
		"caches":    s.diag.CacheNames(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"endpoints": endpoints,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request served", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// Helper methods

func (s *Server) requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
