package noise

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
)

// Kind selects an ambience flavor mixed into converted audio.
type Kind int

const (
	KindNone Kind = iota
	KindCafe
	KindStreet
	KindRoom
)

// String returns the config-file name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCafe:
		return "cafe"
	case KindStreet:
		return "street"
	case KindRoom:
		return "room"
	default:
		return "none"
	}
}

// ParseKind maps a config-file name to its Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return KindNone, nil
	case "cafe":
		return KindCafe, nil
	case "street":
		return KindStreet, nil
	case "room":
		return KindRoom, nil
	default:
		return KindNone, fmt.Errorf("unknown noise kind: %s", name)
	}
}

// kindShape holds per-kind amplitude scaling and a one-pole softening
// coefficient. Higher softening rolls off more high-frequency content,
// making room tone duller than street ambience.
type kindShape struct {
	gain      float32
	softening float32
}

var shapes = map[Kind]kindShape{
	KindCafe:   {gain: 1.0, softening: 0.5},
	KindStreet: {gain: 1.3, softening: 0.2},
	KindRoom:   {gain: 0.6, softening: 0.8},
}

// Generator produces background-ambience samples. All kinds are built
// on shaped white noise; the shaping differs per kind.
type Generator struct {
	rng  *rand.Rand
	prev float32
	mu   sync.Mutex
}

// NewGenerator creates a generator seeded for reproducible output.
// Seed 0 selects a fixed default.
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = 1
	}
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Samples returns n ambience samples of the given kind, peak-scaled by
// level in [0,1]. KindNone, a zero level, or n <= 0 yields nil.
func (g *Generator) Samples(kind Kind, n int, level float64) []float32 {
	if kind == KindNone || n <= 0 || level <= 0 {
		return nil
	}

	shape, ok := shapes[kind]
	if !ok {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	amp := float32(level) * shape.gain
	out := make([]float32, n)
	for i := range out {
		white := float32(g.rng.Float64()*2 - 1)
		// One-pole low-pass carried across calls so chunk boundaries
		// do not click.
		g.prev = g.prev*shape.softening + white*(1-shape.softening)
		out[i] = g.prev * amp
	}

	return out
}

// Mix adds noise into dst in place, clipping to [-1, 1]. Shorter of
// the two slices bounds the mix.
func Mix(dst, noise []float32) {
	n := len(dst)
	if len(noise) < n {
		n = len(noise)
	}
	for i := 0; i < n; i++ {
		v := dst[i] + noise[i]
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		dst[i] = v
	}
}
