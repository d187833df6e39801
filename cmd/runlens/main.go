// Package main provides the RunLens trace collector service.
//
// This is the main collector binary: it ingests agent run batches and OTLP
// traces, reconciles them into PostgreSQL, streams lifecycle events to
// dashboard websockets, and optionally re-exports completed traces to a
// downstream OTLP collector.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver
	"google.golang.org/grpc"

	"github.com/runlens-io/runlens/internal/aliasing"
	"github.com/runlens-io/runlens/internal/api"
	"github.com/runlens-io/runlens/internal/api/middleware"
	"github.com/runlens-io/runlens/internal/bus"
	"github.com/runlens-io/runlens/internal/config"
	"github.com/runlens-io/runlens/internal/forward"
	"github.com/runlens-io/runlens/internal/otlp"
	"github.com/runlens-io/runlens/internal/query"
	"github.com/runlens-io/runlens/internal/reconcile"
	"github.com/runlens-io/runlens/internal/storage"
)

const name = "runlens"

// version is stamped at link time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting RunLens collector",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("client_burst", middlewareConfig.ClientBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	var apiKeyStore storage.APIKeyStore

	authEnabled := config.GetEnvBool("RUNLENS_AUTH_ENABLED", false)
	if authEnabled {
		apiKeyStore, err = storage.NewPersistentKeyStore(dbConn)
		if err != nil {
			logger.Error("Failed to connect to persistent key store", slog.String("error", err.Error()))

			_ = dbConn.Close()
			//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
			os.Exit(1)
		}

		logger.Info("API key authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("API key authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set RUNLENS_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	// Project-name aliases are optional; a missing config file degrades to
	// identity resolution.
	resolver := loadResolver(logger)

	runStore, err := storage.NewRunStore(dbConn, storageConfig.CleanupInterval,
		storage.WithAliasResolver(resolver),
		storage.WithStaleRunTimeout(storageConfig.StaleRunTimeoutMinutes),
	)
	if err != nil {
		logger.Error("Failed to connect to run store", slog.String("error", err.Error()))
		// Close database connection before exit (defer won't run with os.Exit)
		_ = dbConn.Close()
		// Fail-fast: exit immediately to prevent the server creation process from panicking. RunStore is required!
		os.Exit(1)
	}

	defer runStore.Close()

	logger.Info("Run store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Duration("sweep_interval", storageConfig.CleanupInterval),
		slog.Int("stale_timeout_minutes", storageConfig.StaleRunTimeoutMinutes),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	hub := bus.NewHub()

	// Optional OTLP re-export pipeline: debounced grouping of stored runs
	// into complete trace trees, sent to a downstream collector.
	grouper, emitter := startForwarder(runStore, logger)
	if grouper != nil {
		defer grouper.Stop()
	}

	if emitter != nil {
		defer func() {
			_ = emitter.Shutdown(context.Background())
		}()
	}

	engineOpts := []reconcile.EngineOption{reconcile.WithNotifier(hub)}
	if grouper != nil {
		engineOpts = append(engineOpts, reconcile.WithForwarder(grouper))
	}

	engine, err := reconcile.NewEngine(runStore, engineOpts...)
	if err != nil {
		logger.Error("Failed to create reconciliation engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	otlpService, err := otlp.NewService(engine)
	if err != nil {
		logger.Error("Failed to create OTLP export service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	otlpHandler := otlp.NewHTTPHandler(otlpService, serverConfig.MaxRequestSize)

	grpcServer := startOTLPGRPC(otlpService, logger)
	if grpcServer != nil {
		defer grpcServer.GracefulStop()
	}

	querySvc, err := query.NewService(runStore,
		query.WithPublisher(hub),
		query.WithResolver(resolver),
		query.WithStaleTimeout(storageConfig.StaleRunTimeoutMinutes),
	)
	if err != nil {
		logger.Error("Failed to create query service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	feedbackStore, err := storage.NewFeedbackStore(dbConn)
	if err != nil {
		logger.Error("Failed to connect to feedback store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		Ingestor:    engine,
		Query:       querySvc,
		Feedback:    feedbackStore,
		LiveStream:  hub,
		OTLPHandler: otlpHandler,
		APIKeyStore: apiKeyStore,
		RateLimiter: rateLimiter,
		Version:     version,
	})

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("RunLens collector stopped")
}

// loadResolver loads project alias configuration. Aliases are a convenience;
// any load failure logs a warning and falls back to identity resolution.
func loadResolver(logger *slog.Logger) *aliasing.Resolver {
	aliasConfig, err := aliasing.LoadConfigFromEnv()
	if err != nil {
		logger.Warn("Failed to load alias configuration, continuing without aliases",
			slog.String("error", err.Error()),
		)

		return aliasing.NewResolver(nil)
	}

	return aliasing.NewResolver(aliasConfig)
}

// startForwarder builds the OTLP re-export pipeline when
// OTLP_FORWARDER_ENABLED is set. Exporter construction failures are fatal:
// an operator who asked for forwarding should not silently lose traces.
func startForwarder(store forward.Store, logger *slog.Logger) (*forward.Grouper, *forward.Emitter) {
	if !config.GetEnvBool("OTLP_FORWARDER_ENABLED", false) {
		logger.Info("OTLP forwarder disabled")

		return nil, nil
	}

	forwardConfig := forward.LoadConfig()

	exporter, err := forward.NewExporter(context.Background(), forwardConfig)
	if err != nil {
		logger.Error("Failed to create OTLP exporter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	emitter, err := forward.NewEmitter(exporter, forwardConfig)
	if err != nil {
		logger.Error("Failed to create trace emitter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	grouper, err := forward.NewGrouper(store, emitter, forwardConfig)
	if err != nil {
		logger.Error("Failed to create forward grouper", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("OTLP forwarder enabled",
		slog.String("endpoint", forwardConfig.Endpoint),
		slog.String("protocol", forwardConfig.Protocol),
		slog.Duration("debounce", forwardConfig.Debounce),
		slog.Duration("run_timeout", forwardConfig.RunTimeout),
	)

	return grouper, emitter
}

// startOTLPGRPC serves the standard OTLP TraceService on its own port when
// OTLP_GRPC_ENABLED is set. The HTTP receiver on the API port is independent.
func startOTLPGRPC(service *otlp.Service, logger *slog.Logger) *grpc.Server {
	if !config.GetEnvBool("OTLP_GRPC_ENABLED", false) {
		logger.Info("OTLP gRPC receiver disabled")

		return nil
	}

	host := config.GetEnvStr("OTLP_GRPC_HOST", "0.0.0.0")
	port := config.GetEnvInt("OTLP_GRPC_PORT", 4317)
	addr := fmt.Sprintf("%s:%d", host, port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("Failed to listen for OTLP gRPC", slog.String("address", addr), slog.String("error", err.Error()))
		os.Exit(1)
	}

	grpcServer := grpc.NewServer()
	otlp.NewGRPCServer(service).Register(grpcServer)

	go func() {
		logger.Info("OTLP gRPC receiver listening", slog.String("address", addr))

		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("OTLP gRPC receiver stopped", slog.String("error", err.Error()))
		}
	}()

	return grpcServer
}
