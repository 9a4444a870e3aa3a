package audio

import (
	"sync"
)

// Ring is a fixed-capacity, thread-safe circular buffer for float32 PCM
// samples. When a push would exceed capacity, the oldest samples are
// dropped to make room. This is intentional for real-time use: stale
// audio is worthless, so the buffer trades old samples for bounded
// latency and never blocks the audio path.
type Ring struct {
	mu   sync.Mutex
	buf  []float32
	cap  int
	head int // index of next write position
	size int // number of valid samples
}

// NewRing creates a ring buffer holding up to capacity samples.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		buf: make([]float32, capacity),
		cap: capacity,
	}
}

// Push appends samples to the buffer. If the buffer would overflow, the
// oldest samples are evicted first. Push never blocks and never fails.
func (r *Ring) Push(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(samples) >= r.cap {
		// Only the newest cap samples can survive.
		copy(r.buf, samples[len(samples)-r.cap:])
		r.head = 0
		r.size = r.cap
		return
	}

	for _, s := range samples {
		r.buf[r.head] = s
		r.head = (r.head + 1) % r.cap
		if r.size < r.cap {
			r.size++
		}
		// When full, head has advanced past the oldest sample.
	}
}

// DrainAvailable removes and returns up to max of the oldest samples.
// It returns however many are currently buffered (possibly zero) and
// never waits for more data. The returned slice is a copy.
func (r *Ring) DrainAvailable(max int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max <= 0 || r.size == 0 {
		return nil
	}

	n := max
	if n > r.size {
		n = r.size
	}

	out := make([]float32, n)
	start := (r.head - r.size + r.cap) % r.cap
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%r.cap]
	}
	r.size -= n

	return out
}

// Len returns the number of samples currently buffered. Under concurrent
// access the value is advisory: it may be stale by the time it is used.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// IsEmpty reports whether the buffer currently holds no samples.
func (r *Ring) IsEmpty() bool {
	return r.Len() == 0
}

// Capacity returns the fixed capacity of the buffer.
func (r *Ring) Capacity() int {
	return r.cap
}

// Clear discards all buffered samples.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
}
