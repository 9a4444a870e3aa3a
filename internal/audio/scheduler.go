package audio

import (
	"sync"
	"time"
)

// Scheduler slices a continuous sample stream into fixed-duration
// chunks with strictly increasing sequence numbers. Partial input is
// buffered internally; only whole chunks of the configured size are
// emitted, except for the terminal chunk produced by Flush.
type Scheduler struct {
	sessionID   string
	sampleRate  int
	chunkSize   int // samples per chunk
	pending     []float32
	nextSeq     uint64
	chunksTotal uint64

	mu sync.Mutex
}

// NewScheduler creates a scheduler emitting chunks of chunkSize samples.
// The default live configuration is 100ms at 16kHz, i.e. 1600 samples.
func NewScheduler(sessionID string, sampleRate, chunkSize int) *Scheduler {
	if chunkSize < 1 {
		chunkSize = 1
	}
	return &Scheduler{
		sessionID:  sessionID,
		sampleRate: sampleRate,
		chunkSize:  chunkSize,
		pending:    make([]float32, 0, chunkSize),
	}
}

// Submit appends raw samples and returns zero or more complete chunks.
// The trailing partial chunk stays buffered until enough samples arrive
// or Flush is called.
func (s *Scheduler) Submit(samples []float32) []*Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, samples...)

	var chunks []*Chunk
	now := time.Now()
	for len(s.pending) >= s.chunkSize {
		buf := make([]float32, s.chunkSize)
		copy(buf, s.pending[:s.chunkSize])
		s.pending = s.pending[s.chunkSize:]

		chunks = append(chunks, s.emit(buf, false, now))
	}

	return chunks
}

// Flush emits the final partial chunk of a finite stream, zero-padded
// to the configured duration and tagged as terminal. It returns nil
// when nothing is pending.
func (s *Scheduler) Flush() *Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	buf := make([]float32, s.chunkSize)
	copy(buf, s.pending)
	s.pending = s.pending[:0]

	return s.emit(buf, true, time.Now())
}

// emit builds a chunk and advances the sequence. Caller holds s.mu.
func (s *Scheduler) emit(samples []float32, terminal bool, now time.Time) *Chunk {
	chunk := &Chunk{
		SessionID:  s.sessionID,
		Sequence:   s.nextSeq,
		SampleRate: s.sampleRate,
		Samples:    samples,
		Terminal:   terminal,
		CapturedAt: now,
	}
	s.nextSeq++
	s.chunksTotal++
	return chunk
}

// PendingSamples returns the number of buffered samples not yet emitted.
func (s *Scheduler) PendingSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ChunksEmitted returns the total number of chunks produced so far.
func (s *Scheduler) ChunksEmitted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunksTotal
}

// ChunkSize returns the configured chunk size in samples.
func (s *Scheduler) ChunkSize() int {
	return s.chunkSize
}
