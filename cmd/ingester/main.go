// Package main provides the RunLens Kafka ingestion service.
//
// This service consumes agent run batches from a Kafka topic and applies them
// through the same translation and reconciliation path as the HTTP batch
// endpoint. Offsets commit only after a batch is applied, so a crash mid-batch
// redelivers it; reconciliation is idempotent, redelivery is safe.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/segmentio/kafka-go"

	"github.com/runlens-io/runlens/internal/config"
	"github.com/runlens-io/runlens/internal/ingest"
	"github.com/runlens-io/runlens/internal/reconcile"
	"github.com/runlens-io/runlens/internal/storage"
)

const name = "ingester"

// version is stamped at link time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting RunLens ingester",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	runStore, err := storage.NewRunStore(dbConn, storageConfig.CleanupInterval,
		storage.WithStaleRunTimeout(storageConfig.StaleRunTimeoutMinutes),
	)
	if err != nil {
		logger.Error("Failed to connect to run store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	defer runStore.Close()

	engine, err := reconcile.NewEngine(runStore)
	if err != nil {
		logger.Error("Failed to create reconciliation engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092")),
		Topic:   config.GetEnvStr("KAFKA_TOPIC", "runlens.batches"),
		GroupID: config.GetEnvStr("KAFKA_GROUP_ID", "runlens-ingester"),
	})

	defer func() {
		_ = reader.Close()
	}()

	logger.Info("Kafka consumer initialized",
		slog.Any("brokers", reader.Config().Brokers),
		slog.String("topic", reader.Config().Topic),
		slog.String("group_id", reader.Config().GroupID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		sig := <-stop

		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	consume(ctx, reader, engine, logger)

	logger.Info("RunLens ingester stopped")
}

// consume loops over the topic until ctx is cancelled. Each message value is
// one batch body; undecodable messages are logged and committed past so one
// poison message cannot wedge the partition.
func consume(ctx context.Context, reader *kafka.Reader, engine *reconcile.Engine, logger *slog.Logger) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			logger.Error("Failed to fetch message", slog.String("error", err.Error()))

			continue
		}

		applyMessage(ctx, engine, msg, logger)

		// Commit after apply: redelivery on crash, never silent loss.
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			logger.Error("Failed to commit offset",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// applyMessage decodes and reconciles one batch message.
func applyMessage(ctx context.Context, engine *reconcile.Engine, msg kafka.Message, logger *slog.Logger) {
	batch, err := ingest.DecodeBatch(bytes.NewReader(msg.Value))
	if err != nil {
		logger.Error("Skipping undecodable batch message",
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		return
	}

	creates, patches := batch.Translate()
	summary := engine.ApplyBatch(ctx, creates, patches)

	if len(summary.Errors) > 0 {
		logger.Warn("Batch applied with errors",
			slog.Int64("offset", msg.Offset),
			slog.Int("created", summary.CreatedCount),
			slog.Int("updated", summary.UpdatedCount),
			slog.Any("errors", summary.Errors),
		)

		return
	}

	logger.Info("Batch applied",
		slog.Int64("offset", msg.Offset),
		slog.Int("created", summary.CreatedCount),
		slog.Int("updated", summary.UpdatedCount),
	)
}
