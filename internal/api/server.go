// Package api provides the HTTP API server for the RunLens service.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runlens-io/runlens/internal/api/middleware"
	"github.com/runlens-io/runlens/internal/query"
	"github.com/runlens-io/runlens/internal/reconcile"
	"github.com/runlens-io/runlens/internal/storage"
	"github.com/runlens-io/runlens/internal/trace"
)

type (
	// Ingestor is the write path behind the batch endpoint. Satisfied by
	// *reconcile.Engine.
	Ingestor interface {
		ApplyBatch(ctx context.Context, creates []*trace.Run, patches []reconcile.RunPatch) *reconcile.BatchSummary
		HealthCheck(ctx context.Context) error
	}

	// QueryService is the dashboard read surface. Satisfied by *query.Service.
	QueryService interface {
		ListRoots(ctx context.Context, filters query.RootFilters, page query.Page) (*query.RootRunsResponse, error)
		Hierarchy(ctx context.Context, rootID string) (*query.HierarchyResponse, error)
		Summary(ctx context.Context) (*query.Summary, error)
		CleanupStaleRuns(ctx context.Context, timeoutMinutes int) (*query.CleanupResult, error)
	}

	// FeedbackRecorder persists run feedback. Satisfied by
	// *storage.FeedbackStore.
	FeedbackRecorder interface {
		StoreFeedback(ctx context.Context, feedback *trace.Feedback) (bool, bool, error)
		ListFeedbackByRun(ctx context.Context, runID string) ([]*trace.Feedback, error)
	}

	// LiveStream is the websocket hub mounted at /ws. Satisfied by *bus.Hub.
	LiveStream interface {
		http.Handler
		Shutdown(ctx context.Context) error
	}

	// Dependencies are the injected collaborators of the HTTP server.
	// Configuration (what) stays in ServerConfig; dependencies (how) arrive
	// here, constructed once by the composition root.
	//
	// Ingestor and Query are required. Everything else is optional: a nil
	// field disables the corresponding surface (auth, rate limiting, /ws,
	// OTLP HTTP ingest, feedback endpoints).
	Dependencies struct {
		Ingestor    Ingestor
		Query       QueryService
		Feedback    FeedbackRecorder
		LiveStream  LiveStream
		OTLPHandler http.Handler
		APIKeyStore storage.APIKeyStore
		RateLimiter middleware.RateLimiter

		// Version is the build version stamped at link time, reported by
		// /health and /api/v1/info.
		Version string
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer *http.Server
		logger     *slog.Logger
		config     *ServerConfig
		deps       Dependencies
		startTime  time.Time
	}
)

// ErrMissingDependencies is returned by Start when a required collaborator is absent.
var ErrMissingDependencies = errors.New("server requires an ingestor and a query service")

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if deps.Version == "" {
		deps.Version = "dev"
	}

	mux := http.NewServeMux()

	server := &Server{
		logger: logger,
		config: cfg,
		deps:   deps,
	}

	server.setupRoutes(mux)

	if deps.APIKeyStore != nil { // pragma: allowlist secret
		logger.Info("API key authentication middleware enabled")
	} else {
		logger.Warn("APIKeyStore not configured - authentication middleware disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. API key auth - identify client and set ClientContext (optional)
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAPIKeyAuth(deps.APIKeyStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	if s.deps.Ingestor == nil || s.deps.Query == nil {
		return ErrMissingDependencies
	}

	// Record server start time for uptime calculation
	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting RunLens API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server: stop accepting requests first,
// then disconnect live-stream clients, then release injected stores.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if s.deps.LiveStream != nil {
		if err := s.deps.LiveStream.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to shut down live stream hub", slog.String("error", err.Error()))
		}
	}

	s.closeDependency("API key store", s.deps.APIKeyStore)
	s.closeDependency("rate limiter", s.deps.RateLimiter)
	s.closeDependency("feedback store", s.deps.Feedback)

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

// closeDependency closes an injected dependency when it implements io.Closer.
func (s *Server) closeDependency(name string, dep interface{}) {
	closer, ok := dep.(io.Closer)
	if !ok || closer == nil {
		return
	}

	s.logger.Info("Closing " + name)

	if err := closer.Close(); err != nil {
		s.logger.Error("Failed to close "+name, slog.String("error", err.Error()))
	}
}
