package fluctuation

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/kako-jun/makebeliv/internal/audio"
)

// Config holds the fluctuation parameters for one session. Variations
// are standard deviations around a neutral factor of 1.0; smoothness is
// how much of the previous factor survives each step.
type Config struct {
	PitchVariation  float64 `yaml:"pitch_variation"`
	VolumeVariation float64 `yaml:"volume_variation"`
	ToneVariation   float64 `yaml:"tone_variation"`
	Smoothness      float64 `yaml:"temporal_smoothness"`

	// Optional safety clamp for the random walk. Both zero disables
	// clamping, matching the unbounded walk of the reference behavior.
	ClampLow  float64 `yaml:"clamp_low"`
	ClampHigh float64 `yaml:"clamp_high"`

	// Seed overrides the session-derived PRNG seed when non-zero.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns the standard fluctuation parameters: ±5% pitch,
// ±3% volume, ±2% tone, with 80% temporal memory per chunk.
func DefaultConfig() Config {
	return Config{
		PitchVariation:  0.05,
		VolumeVariation: 0.03,
		ToneVariation:   0.02,
		Smoothness:      0.8,
	}
}

// Validate checks the configuration. Invalid configuration is the only
// fatal error in the fluctuation path and is rejected at session
// creation time.
func (c Config) Validate() error {
	if c.PitchVariation < 0 {
		return fmt.Errorf("pitch_variation must be >= 0, got %f", c.PitchVariation)
	}
	if c.VolumeVariation < 0 {
		return fmt.Errorf("volume_variation must be >= 0, got %f", c.VolumeVariation)
	}
	if c.ToneVariation < 0 {
		return fmt.Errorf("tone_variation must be >= 0, got %f", c.ToneVariation)
	}
	if c.Smoothness < 0 || c.Smoothness >= 1 {
		return fmt.Errorf("temporal_smoothness must be in [0, 1), got %f", c.Smoothness)
	}
	if c.ClampLow != 0 || c.ClampHigh != 0 {
		if c.ClampLow < 0 || c.ClampLow >= 1 {
			return fmt.Errorf("clamp_low must be in [0, 1), got %f", c.ClampLow)
		}
		if c.ClampHigh <= 1 {
			return fmt.Errorf("clamp_high must be > 1, got %f", c.ClampHigh)
		}
	}
	return nil
}

func (c Config) clampEnabled() bool {
	return c.ClampLow != 0 || c.ClampHigh != 0
}

// Factors is one step of per-chunk perturbation. Volume multiplies the
// chunk's amplitude directly; pitch and tone travel as parameters to
// the transform collaborator.
type Factors struct {
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
	Tone   float64 `json:"tone"`
}

// Engine derives per-chunk perturbation factors from persisted state
// using a damped random walk: each step draws a target near 1.0 and
// blends it with the previous factor, so consecutive chunks drift
// smoothly instead of jumping. State mutation is serialized internally;
// no two chunks of the same session may interleave an update.
type Engine struct {
	config Config
	rng    *rand.Rand

	prevPitch  float64
	prevVolume float64
	prevTone   float64

	applied uint64

	mu sync.Mutex
}

// NewEngine creates an engine for a session. The PRNG is seeded once,
// deterministically from the session id (or Config.Seed), so two
// sessions with identical configs still fluctuate independently and a
// given session is reproducible.
func NewEngine(sessionID string, config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fluctuation config: %w", err)
	}

	seed := config.Seed
	if seed == 0 {
		seed = seedFromSession(sessionID)
	}

	return &Engine{
		config:     config,
		rng:        rand.New(rand.NewSource(seed)),
		prevPitch:  1.0,
		prevVolume: 1.0,
		prevTone:   1.0,
	}, nil
}

// Step advances the random walk once for all three factors and persists
// the result as the new state.
func (e *Engine) Step() Factors {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prevPitch = e.step(e.prevPitch, e.config.PitchVariation)
	e.prevVolume = e.step(e.prevVolume, e.config.VolumeVariation)
	e.prevTone = e.step(e.prevTone, e.config.ToneVariation)
	e.applied++

	return Factors{Pitch: e.prevPitch, Volume: e.prevVolume, Tone: e.prevTone}
}

// step runs one damped-random-walk update. Caller holds e.mu.
func (e *Engine) step(prev, variation float64) float64 {
	target := 1.0 + e.rng.NormFloat64()*variation
	next := prev*e.config.Smoothness + target*(1-e.config.Smoothness)
	if e.config.clampEnabled() {
		if next < e.config.ClampLow {
			next = e.config.ClampLow
		}
		if next > e.config.ClampHigh {
			next = e.config.ClampHigh
		}
	}
	return next
}

// Apply perturbs a chunk with the next factor step. The volume factor
// scales sample amplitude; pitch and tone are returned for the caller
// to feed into the transform parameters. Apply is pure arithmetic over
// the walk state and has no failure mode.
func (e *Engine) Apply(chunk *audio.Chunk) (*audio.Chunk, Factors) {
	factors := e.Step()

	scaled := make([]float32, len(chunk.Samples))
	volume := float32(factors.Volume)
	for i, s := range chunk.Samples {
		scaled[i] = s * volume
	}

	return chunk.WithSamples(scaled), factors
}

// Reset returns all factors to the neutral 1.0, discarding accumulated
// drift. The PRNG is left untouched so the session's stream of draws
// stays reproducible across resets.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prevPitch = 1.0
	e.prevVolume = 1.0
	e.prevTone = 1.0
}

// Current returns the present factor state without advancing the walk.
func (e *Engine) Current() Factors {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Factors{Pitch: e.prevPitch, Volume: e.prevVolume, Tone: e.prevTone}
}

// Applied returns the number of Step calls since creation.
func (e *Engine) Applied() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied
}

// Config returns the immutable configuration that spawned this engine.
func (e *Engine) Config() Config {
	return e.config
}

// seedFromSession derives a stable PRNG seed from a session id.
func seedFromSession(sessionID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	return int64(h.Sum64())
}
