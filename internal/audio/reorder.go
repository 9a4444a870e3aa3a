package audio

import (
	"sync"
	"time"
)

// Reassembler restores submission order for chunks whose transforms
// complete out of order. Chunks ahead of the next expected sequence are
// held in a bounded reorder window; a chunk that fails to arrive before
// the window overflows or the deadline passes is declared a gap and
// replaced with silence, so downstream is never blocked indefinitely.
type Reassembler struct {
	sessionID  string
	sampleRate int
	chunkSize  int
	window     uint64
	deadline   time.Duration

	nextSeq  uint64
	held     map[uint64]*Chunk
	gapSince time.Time // when the current head-of-line gap started blocking

	dropped uint64
	late    uint64

	mu sync.Mutex
}

// NewReassembler creates a reassembler for one stream. The window is the
// number of sequence numbers it will hold ahead of the next expected one
// before declaring gaps; deadline is how long a head-of-line gap may
// block before being filled with silence.
func NewReassembler(sessionID string, sampleRate, chunkSize int, window uint64, deadline time.Duration) *Reassembler {
	if window < 1 {
		window = 1
	}
	return &Reassembler{
		sessionID:  sessionID,
		sampleRate: sampleRate,
		chunkSize:  chunkSize,
		window:     window,
		deadline:   deadline,
		held:       make(map[uint64]*Chunk),
	}
}

// Push offers a transformed chunk and returns the run of chunks that can
// now be emitted in sequence order (possibly empty). Chunks older than
// the emission watermark are discarded as late arrivals.
func (r *Reassembler) Push(chunk *Chunk) []*Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	if chunk.Sequence < r.nextSeq {
		// Already emitted (or gap-filled); a late transform result is
		// discarded to avoid reordering surprises.
		r.late++
		return nil
	}

	r.held[chunk.Sequence] = chunk

	var out []*Chunk
	out = r.drainReady(out)
	out = r.enforceWindow(out)
	r.trackGap()

	return out
}

// Expire fills the head-of-line gap with silence once it has been
// blocking longer than the deadline. It returns chunks released by the
// fill. Callers drive this from a ticker.
func (r *Reassembler) Expire(now time.Time) []*Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.held) == 0 || r.gapSince.IsZero() || now.Sub(r.gapSince) < r.deadline {
		return nil
	}

	var out []*Chunk
	out = append(out, r.fillGap())
	out = r.drainReady(out)
	r.trackGap()

	return out
}

// drainReady emits consecutive held chunks starting at nextSeq.
// Caller holds r.mu.
func (r *Reassembler) drainReady(out []*Chunk) []*Chunk {
	for {
		chunk, ok := r.held[r.nextSeq]
		if !ok {
			return out
		}
		delete(r.held, r.nextSeq)
		r.nextSeq++
		out = append(out, chunk)
	}
}

// enforceWindow fills gaps with silence while some held chunk sits
// beyond the reorder window. Caller holds r.mu.
func (r *Reassembler) enforceWindow(out []*Chunk) []*Chunk {
	for len(r.held) > 0 && r.maxHeld() >= r.nextSeq+r.window {
		out = append(out, r.fillGap())
		out = r.drainReady(out)
	}
	return out
}

// fillGap synthesizes a silent chunk for nextSeq and counts it as
// dropped. Caller holds r.mu.
func (r *Reassembler) fillGap() *Chunk {
	gap := &Chunk{
		SessionID:  r.sessionID,
		Sequence:   r.nextSeq,
		SampleRate: r.sampleRate,
		Samples:    make([]float32, r.chunkSize),
		CapturedAt: time.Now(),
	}
	r.nextSeq++
	r.dropped++
	return gap
}

// trackGap starts or clears the head-of-line gap timer. Caller holds r.mu.
func (r *Reassembler) trackGap() {
	if len(r.held) == 0 {
		r.gapSince = time.Time{}
		return
	}
	if _, ok := r.held[r.nextSeq]; ok {
		// Not actually blocked; drainReady will release on next call.
		r.gapSince = time.Time{}
		return
	}
	if r.gapSince.IsZero() {
		r.gapSince = time.Now()
	}
}

// maxHeld returns the highest held sequence number. Caller holds r.mu.
func (r *Reassembler) maxHeld() uint64 {
	var max uint64
	for seq := range r.held {
		if seq > max {
			max = seq
		}
	}
	return max
}

// NextSequence returns the next sequence number awaited for emission.
func (r *Reassembler) NextSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq
}

// Dropped returns the number of gaps filled with silence.
func (r *Reassembler) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Late returns the number of results discarded for arriving after their
// sequence had already been emitted.
func (r *Reassembler) Late() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.late
}

// PendingHeld returns the number of chunks waiting in the reorder window.
func (r *Reassembler) PendingHeld() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
