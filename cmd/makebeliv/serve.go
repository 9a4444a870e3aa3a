package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kako-jun/makebeliv/internal/metrics"
	"github.com/kako-jun/makebeliv/internal/server"
	"github.com/kako-jun/makebeliv/internal/session"
	"github.com/kako-jun/makebeliv/internal/transform"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming voice-changer service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
	)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("address", cfg.Server.Address),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("chunk_duration_ms", cfg.Audio.ChunkDurationMs),
		slog.String("transform_endpoint", cfg.Transform.Endpoint),
		slog.String("transform_model", cfg.Transform.Model),
		slog.String("noise_kind", cfg.Noise.Kind),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	registry := session.NewRegistry(logger, appMetrics,
		cfg.Session.GetIdleTimeout(), cfg.Session.GetCleanupInterval())

	transformer, err := transform.NewClient(transform.Config{
		Endpoint:      cfg.Transform.Endpoint,
		Timeout:       cfg.Transform.GetTimeoutDuration(),
		MaxRetries:    cfg.Transform.MaxRetries,
		MaxConcurrent: cfg.Transform.MaxConcurrent,
	}, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create transform client: %w", err)
	}

	// The collaborator may come up later; report but keep going.
	statusCtx, statusCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if status, err := transformer.Status(statusCtx); err != nil {
		logger.Warn("Conversion service unreachable at startup",
			slog.String("endpoint", cfg.Transform.Endpoint),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("Conversion service reachable",
			slog.String("status", status.Status),
			slog.Any("models_loaded", status.ModelsLoaded),
		)
	}
	statusCancel()

	srv := server.NewServer(logger, cfg, registry, transformer, appMetrics)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("listen", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping server", slog.String("error", err.Error()))
	}

	registry.Stop()

	if err := transformer.Close(); err != nil {
		logger.Error("Error closing transform client", slog.String("error", err.Error()))
	}

	stats := transformer.GetStats()
	logger.Info("Final conversion statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Float64("success_rate", stats.SuccessRate),
	)

	logger.Info("Service stopped")
	return nil
}
