package audio

import (
	"time"
)

// Chunk is a fixed-duration slice of an audio stream. Chunks are
// immutable once produced: every transformation stage derives a new
// chunk via WithSamples, carrying the same sequence number and session
// id so ordering and session affiliation survive the pipeline.
type Chunk struct {
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Samples    []float32 `json:"-"`
	Terminal   bool      `json:"terminal,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Duration returns the chunk duration derived from its sample count.
func (c *Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(c.Samples)) / float64(c.SampleRate) * float64(time.Second))
}

// WithSamples derives a new chunk carrying the given samples and the
// same sequence number, session id and capture time as the receiver.
func (c *Chunk) WithSamples(samples []float32) *Chunk {
	return &Chunk{
		SessionID:  c.SessionID,
		Sequence:   c.Sequence,
		SampleRate: c.SampleRate,
		Samples:    samples,
		Terminal:   c.Terminal,
		CapturedAt: c.CapturedAt,
	}
}

// Silence derives an all-zero chunk of the same shape. Used as the
// fallback when a transform fails: substituting silence keeps the
// stream intact without ever leaking the original captured audio.
func (c *Chunk) Silence() *Chunk {
	return c.WithSamples(make([]float32, len(c.Samples)))
}

// PCM16ToFloat32 converts little-endian PCM-16 bytes to float32 samples
// in [-1, 1). Odd trailing bytes are ignored.
func PCM16ToFloat32(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(v) / 32768.0
	}
	return samples
}

// Float32ToPCM16 converts float32 samples to little-endian PCM-16
// bytes, clipping values outside [-1, 1).
func Float32ToPCM16(samples []float32) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(clampSample(s) * 32767.0)
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return data
}

func clampSample(s float32) float32 {
	if s > 1.0 {
		return 1.0
	}
	if s < -1.0 {
		return -1.0
	}
	return s
}
