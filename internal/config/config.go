package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kako-jun/makebeliv/internal/fluctuation"
	"github.com/kako-jun/makebeliv/internal/noise"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Fluctuation FluctuationConfig `yaml:"fluctuation"`
	Noise       NoiseConfig       `yaml:"noise"`
	Transform   TransformConfig   `yaml:"transform"`
	Session     SessionConfig     `yaml:"session"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket server configuration
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// AudioConfig contains audio chunking parameters
type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	ChunkDurationMs int `yaml:"chunk_duration_ms"`
	OutputCapacity  int `yaml:"output_capacity"` // samples
}

// PipelineConfig contains conversion pipeline parameters
type PipelineConfig struct {
	MaxInFlight       int `yaml:"max_in_flight"`
	ReorderWindow     int `yaml:"reorder_window"`
	ReorderDeadlineMs int `yaml:"reorder_deadline_ms"`
}

// FluctuationConfig contains the humanization parameters
type FluctuationConfig struct {
	Enabled         bool    `yaml:"enabled"`
	PitchVariation  float64 `yaml:"pitch_variation"`
	VolumeVariation float64 `yaml:"volume_variation"`
	ToneVariation   float64 `yaml:"tone_variation"`
	Smoothness      float64 `yaml:"smoothness"`
	ClampLow        float64 `yaml:"clamp_low"`
	ClampHigh       float64 `yaml:"clamp_high"`
}

// NoiseConfig contains background ambience configuration
type NoiseConfig struct {
	Enabled bool    `yaml:"enabled"`
	Kind    string  `yaml:"kind"`
	Level   float64 `yaml:"level"`
}

// TransformConfig contains voice-conversion service configuration
type TransformConfig struct {
	Endpoint      string  `yaml:"endpoint"`
	Model         string  `yaml:"model"`
	PitchShift    int     `yaml:"pitch_shift"`
	ToneShift     float64 `yaml:"tone_shift"`
	Timeout       int     `yaml:"timeout"` // seconds
	MaxRetries    int     `yaml:"max_retries"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

// SessionConfig contains session lifecycle configuration
type SessionConfig struct {
	IdleTimeout     int `yaml:"idle_timeout"`     // seconds
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with working defaults: a local
// service converting 100ms chunks of 16kHz mono audio.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    8080,
			Address: "0.0.0.0",
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			ChunkDurationMs: 100,
			OutputCapacity:  48000,
		},
		Pipeline: PipelineConfig{
			MaxInFlight:       4,
			ReorderWindow:     2,
			ReorderDeadlineMs: 250,
		},
		Fluctuation: FluctuationConfig{
			Enabled:         true,
			PitchVariation:  0.05,
			VolumeVariation: 0.03,
			ToneVariation:   0.02,
			Smoothness:      0.8,
		},
		Noise: NoiseConfig{
			Enabled: false,
			Kind:    "none",
			Level:   0.05,
		},
		Transform: TransformConfig{
			Endpoint:      "http://localhost:8000",
			Model:         "default",
			Timeout:       5,
			MaxRetries:    2,
			MaxConcurrent: 4,
		},
		Session: SessionConfig{
			IdleTimeout:     300,
			CleanupInterval: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Fluctuation.Validate(); err != nil {
		return fmt.Errorf("fluctuation config: %w", err)
	}

	if err := c.Noise.Validate(); err != nil {
		return fmt.Errorf("noise config: %w", err)
	}

	if err := c.Transform.Validate(); err != nil {
		return fmt.Errorf("transform config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", a.SampleRate)
	}

	if a.ChunkDurationMs < 10 || a.ChunkDurationMs > 1000 {
		return fmt.Errorf("chunk_duration_ms must be between 10 and 1000, got %d", a.ChunkDurationMs)
	}

	if a.OutputCapacity < a.ChunkSamples() {
		return fmt.Errorf("output_capacity must hold at least one chunk (%d samples), got %d",
			a.ChunkSamples(), a.OutputCapacity)
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.MaxInFlight < 1 {
		return fmt.Errorf("max_in_flight must be at least 1, got %d", p.MaxInFlight)
	}

	if p.ReorderWindow < 1 {
		return fmt.Errorf("reorder_window must be at least 1, got %d", p.ReorderWindow)
	}

	if p.ReorderDeadlineMs < 1 {
		return fmt.Errorf("reorder_deadline_ms must be at least 1, got %d", p.ReorderDeadlineMs)
	}

	return nil
}

// Validate validates fluctuation configuration
func (f *FluctuationConfig) Validate() error {
	return f.EngineConfig().Validate()
}

// EngineConfig converts the section into the engine's native config.
func (f *FluctuationConfig) EngineConfig() fluctuation.Config {
	cfg := fluctuation.Config{
		PitchVariation:  f.PitchVariation,
		VolumeVariation: f.VolumeVariation,
		ToneVariation:   f.ToneVariation,
		Smoothness:      f.Smoothness,
		ClampLow:        f.ClampLow,
		ClampHigh:       f.ClampHigh,
	}
	if !f.Enabled {
		// Disabled fluctuation is a zero-variation engine.
		cfg.PitchVariation = 0
		cfg.VolumeVariation = 0
		cfg.ToneVariation = 0
	}
	return cfg
}

// Validate validates noise configuration
func (n *NoiseConfig) Validate() error {
	if _, err := noise.ParseKind(n.Kind); err != nil {
		return err
	}

	if n.Level < 0 || n.Level > 1 {
		return fmt.Errorf("level must be between 0 and 1, got %f", n.Level)
	}

	if n.Enabled && n.Kind == "none" {
		return fmt.Errorf("noise enabled but kind is none")
	}

	return nil
}

// NoiseKind returns the parsed ambience kind, or KindNone when disabled.
func (n *NoiseConfig) NoiseKind() noise.Kind {
	if !n.Enabled {
		return noise.KindNone
	}
	kind, err := noise.ParseKind(n.Kind)
	if err != nil {
		return noise.KindNone
	}
	return kind
}

// Validate validates transform configuration
func (t *TransformConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// ChunkSamples returns the number of samples in one chunk.
func (a *AudioConfig) ChunkSamples() int {
	return a.SampleRate * a.ChunkDurationMs / 1000
}

// GetChunkDuration returns the chunk duration as a time.Duration
func (a *AudioConfig) GetChunkDuration() time.Duration {
	return time.Duration(a.ChunkDurationMs) * time.Millisecond
}

// GetReorderDeadline returns the reassembly deadline as a time.Duration
func (p *PipelineConfig) GetReorderDeadline() time.Duration {
	return time.Duration(p.ReorderDeadlineMs) * time.Millisecond
}

// GetTimeoutDuration returns the transform timeout as a time.Duration
func (t *TransformConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupInterval returns the cleanup interval as a time.Duration
func (s *SessionConfig) GetCleanupInterval() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}
