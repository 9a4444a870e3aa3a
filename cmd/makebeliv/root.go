package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kako-jun/makebeliv/internal/config"
)

const (
	serviceName    = "makebeliv"
	serviceVersion = "1.0.0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     serviceName,
	Short:   "Real-time voice changer pipeline",
	Long:    "makebeliv converts live speech into another voice, chunk by chunk,\nwith per-session humanization so the result does not sound robotic.",
	Version: serviceVersion,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Optional .env for local development; absence is fine.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}

// loadConfig reads the config file when given, defaults otherwise.
// Environment variables override the transform endpoint and model so
// deployments can repoint the collaborator without editing YAML.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if endpoint := os.Getenv("MAKEBELIV_TRANSFORM_ENDPOINT"); endpoint != "" {
		cfg.Transform.Endpoint = endpoint
	}
	if model := os.Getenv("MAKEBELIV_TRANSFORM_MODEL"); model != "" {
		cfg.Transform.Model = model
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
