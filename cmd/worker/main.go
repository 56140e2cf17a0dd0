/**
 * DUET STL Worker - Main Entry Point
 *
 * Turns pendant orders into printable meshes.
 *
 * Architecture:
 * - Asynq consumer for the Redis-backed order queue
 * - Two-stage OpenSCAD pipeline: glyph intersection, then re-centred union
 *   with the torus bail
 * - PostgreSQL job table plus an artifact directory for finished STL files
 * - Redis status sets and pub/sub events for order-facing services
 */

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duet/stl-worker/internal/config"
	"github.com/duet/stl-worker/internal/engine"
	"github.com/duet/stl-worker/internal/fonts"
	"github.com/duet/stl-worker/internal/generator"
	"github.com/duet/stl-worker/internal/logging"
	"github.com/duet/stl-worker/internal/mesh"
	"github.com/duet/stl-worker/internal/processor"
	"github.com/duet/stl-worker/internal/queue"
	"github.com/duet/stl-worker/internal/storage"
	"github.com/duet/stl-worker/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(os.Stdout, cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx := context.Background()

	logger.Info("DUET STL worker starting",
		"queue", cfg.QueueName, "workers", cfg.WorkerConcurrency,
		"max_retry", cfg.MaxRetry, "artifact_dir", cfg.ArtifactDir)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	// Storage: job table and artifact directory
	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.ArtifactDir, logger.With("component", "storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize storage manager: %w", err)
	}
	defer storageManager.Close()

	invoker, err := engine.NewInvoker(&engine.InvokerConfig{
		BinaryPath:   cfg.OpenSCADPath,
		Timeout:      cfg.EngineTimeout,
		ExportFormat: cfg.ExportFormat,
		HardWarnings: cfg.EngineHardWarnings(),
		Logger:       logger.With("component", "engine"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize OpenSCAD invoker: %w", err)
	}
	version, err := invoker.Version(ctx)
	if err != nil {
		return fmt.Errorf("OpenSCAD is not usable: %w", err)
	}
	logger.Info("OpenSCAD found", "path", cfg.OpenSCADPath, "version", version)

	genCfg := &generator.Config{
		Renderer:  invoker,
		Analyzer:  mesh.NewSTLAnalyzer(),
		Tiers:     cfg.QualityTiers(),
		TempDir:   cfg.TempDir,
		OutputDir: cfg.TempDir,
		Logger:    logger.With("component", "generator"),
	}
	if cfg.CheckFonts {
		catalog, err := fonts.Scan(cfg.FontDirs, logger.With("component", "fonts"))
		if err != nil {
			return fmt.Errorf("failed to scan fonts: %w", err)
		}
		logger.Info("font catalog loaded", "families", len(catalog.Families()))
		genCfg.Fonts = catalog
	}
	gen, err := generator.New(genCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize generator: %w", err)
	}

	proc, err := processor.NewOrderProcessor(&processor.ProcessorConfig{
		Generator: gen,
		Store:     storageManager,
		Logger:    logger.With("component", "processor"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize order processor: %w", err)
	}

	tracker, err := queue.NewStatusTracker(ctx, cfg.RedisURL, cfg.QueueName)
	if err != nil {
		return fmt.Errorf("failed to initialize status tracker: %w", err)
	}
	defer tracker.Close()

	if err := healthCheck(storageManager, tracker); err != nil {
		return err
	}

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		MaxRetry:          cfg.MaxRetry,
		ProcessingTimeout: cfg.ProcessingTimeout,
		Processor:         proc,
		Status:            tracker,
		Logger:            logger.With("component", "queue"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize queue consumer: %w", err)
	}
	if err := consumer.Start(); err != nil {
		return err
	}
	logger.Info("DUET STL worker ready", "stats", consumer.GetStatistics())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal, shutting down", "signal", sig.String())

	consumer.Stop()
	logger.Info("shutdown complete")
	return nil
}

// newLogger builds the root logger; the logging package adds the brackets.
func newLogger(w io.Writer, level string) *logging.Logger {
	return logging.NewLoggerTo(w, "duet-worker", logging.ParseLevel(level))
}

// healthCheck verifies both backing stores before jobs are accepted.
func healthCheck(db *storage.StorageManager, status *queue.StatusTracker) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if err := status.Ping(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
