package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kako-jun/makebeliv/internal/audio"
	"github.com/kako-jun/makebeliv/internal/fluctuation"
	"github.com/kako-jun/makebeliv/internal/pipeline"
	"github.com/kako-jun/makebeliv/internal/server"
	"github.com/kako-jun/makebeliv/internal/session"
	"github.com/kako-jun/makebeliv/internal/transform"
)

var (
	processInput  string
	processOutput string
	processModel  string
	processNoise  string
	processPitch  int
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Convert a WAV file offline through the same pipeline",
	RunE:  runProcess,
}

func init() {
	processCmd.Flags().StringVarP(&processInput, "input", "i", "", "Input WAV file (16kHz mono PCM16)")
	processCmd.Flags().StringVarP(&processOutput, "output", "o", "", "Output WAV file")
	processCmd.Flags().StringVar(&processModel, "model", "", "Voice model (overrides config)")
	processCmd.Flags().StringVar(&processNoise, "noise", "", "Background noise kind: cafe, street, room, none")
	processCmd.Flags().IntVar(&processPitch, "pitch", 0, "Pitch shift in semitones (overrides config)")
	processCmd.MarkFlagRequired("input")
	processCmd.MarkFlagRequired("output")

	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if processModel != "" {
		cfg.Transform.Model = processModel
	}
	if processNoise != "" {
		cfg.Noise.Kind = processNoise
		cfg.Noise.Enabled = processNoise != "none"
	}
	if processPitch != 0 {
		cfg.Transform.PitchShift = processPitch
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger := initLogger(cfg.Logging)

	data, err := os.ReadFile(processInput)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	samples, sampleRate, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("failed to decode input WAV: %w", err)
	}
	if sampleRate != cfg.Audio.SampleRate {
		return fmt.Errorf("input sample rate %d does not match required %d", sampleRate, cfg.Audio.SampleRate)
	}

	logger.Info("Processing file",
		slog.String("input", processInput),
		slog.Int("samples", len(samples)),
		slog.Duration("duration", time.Duration(len(samples))*time.Second/time.Duration(sampleRate)),
		slog.String("model", cfg.Transform.Model),
	)

	transformer, err := transform.NewClient(transform.Config{
		Endpoint:      cfg.Transform.Endpoint,
		Timeout:       cfg.Transform.GetTimeoutDuration(),
		MaxRetries:    cfg.Transform.MaxRetries,
		MaxConcurrent: cfg.Transform.MaxConcurrent,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to create transform client: %w", err)
	}
	defer transformer.Close()

	sessionID := uuid.NewString()
	engine, err := fluctuation.NewEngine(sessionID, cfg.Fluctuation.EngineConfig())
	if err != nil {
		return fmt.Errorf("failed to create fluctuation engine: %w", err)
	}
	sess := &session.Session{
		ID:        sessionID,
		Engine:    engine,
		CreatedAt: time.Now(),
	}

	// One transform timeout of budget per chunk keeps a dead
	// collaborator from hanging the command forever.
	chunks := (len(samples) + cfg.Audio.ChunkSamples() - 1) / cfg.Audio.ChunkSamples()
	budget := time.Duration(chunks)*cfg.Transform.GetTimeoutDuration() + 10*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	start := time.Now()
	out, err := pipeline.ProcessBuffer(ctx, sess, transformer, nil, logger, server.PipelineConfig(cfg), samples)
	if err != nil {
		return fmt.Errorf("processing failed: %w", err)
	}

	wav, err := audio.EncodeWAV(out, cfg.Audio.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to encode output WAV: %w", err)
	}

	if err := os.WriteFile(processOutput, wav, 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}

	logger.Info("File processed",
		slog.String("output", processOutput),
		slog.Int("samples", len(out)),
		slog.Duration("elapsed", time.Since(start)),
	)

	return nil
}
