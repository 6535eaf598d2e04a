package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
)

// Pinger is a simple health check interface
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *http.ServeMux
	version    string
	logger     *slog.Logger

	// Services
	runner    driving.AnalysisRunner
	results   driving.ResultReader
	retrieval driving.RetrievalService
	settings  driving.AISettingsService // Optional

	// Infrastructure
	taskQueue driven.TaskQueue // Optional, async endpoints return 503 without it
	checks    map[string]Pinger
}

// Config holds server configuration
type Config struct {
	Host           string
	Port           int
	Version        string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:    "0.0.0.0",
		Port:    8080,
		Version: "dev",
	}
}

// NewServer creates a new HTTP server. Entries of checks are pinged by
// /ready; nil entries are skipped.
func NewServer(
	cfg Config,
	runner driving.AnalysisRunner,
	results driving.ResultReader,
	retrieval driving.RetrievalService,
	settings driving.AISettingsService,
	taskQueue driven.TaskQueue,
	checks map[string]Pinger,
) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    http.NewServeMux(),
		version:   cfg.Version,
		logger:    logger,
		runner:    runner,
		results:   results,
		retrieval: retrieval,
		settings:  settings,
		taskQueue: taskQueue,
		checks:    checks,
	}

	s.setupRoutes()

	var handler http.Handler = s.router
	if len(cfg.AllowedOrigins) > 0 {
		handler = NewCORSMiddleware(cfg.AllowedOrigins).Handler(handler)
	}
	handler = NewLoggingMiddleware(logger).Handler(handler)
	handler = NewRecoveryMiddleware(logger).Handler(handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Minute, // synchronous runs call many providers in sequence
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /version", s.handleVersion)

	// Runs
	s.router.HandleFunc("POST /api/v1/runs", s.handleEnqueueRun)
	s.router.HandleFunc("POST /api/v1/runs/sync", s.handleRunSync)
	s.router.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	s.router.HandleFunc("POST /api/v1/collect", s.handleEnqueueCollect)

	// Artifacts. The subject is "Market/Category", two path segments.
	s.router.HandleFunc("GET /api/v1/results/{market}/{category}/{period}/{stage}", s.handleGetResult)
	s.router.HandleFunc("GET /api/v1/reports/{market}/{category}/{period}", s.handleGetReport)

	// Retrieval
	s.router.HandleFunc("POST /api/v1/search", s.handleSearch)

	// AI services
	s.router.HandleFunc("GET /api/v1/ai/status", s.handleGetAIStatus)
	s.router.HandleFunc("POST /api/v1/ai/test", s.handleTestAIConnection)
}

// Handler returns the root handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
