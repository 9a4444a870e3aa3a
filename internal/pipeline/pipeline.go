package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kako-jun/makebeliv/internal/audio"
	"github.com/kako-jun/makebeliv/internal/fluctuation"
	"github.com/kako-jun/makebeliv/internal/metrics"
	"github.com/kako-jun/makebeliv/internal/noise"
	"github.com/kako-jun/makebeliv/internal/session"
	"github.com/kako-jun/makebeliv/internal/transform"
)

// ErrClosed is returned by Submit and Flush after Close.
var ErrClosed = errors.New("pipeline is closed")

// Config contains per-pipeline tuning.
type Config struct {
	SampleRate       int
	ChunkSize        int           // samples per chunk
	MaxInFlight      int           // concurrent transform dispatches
	ReorderWindow    uint64        // max sequence distance held back
	ReorderDeadline  time.Duration // gap-fill deadline
	TransformTimeout time.Duration // per-chunk conversion budget
	OutputCapacity   int           // output ring size in samples

	Model      string
	PitchShift int
	ToneShift  float64

	NoiseKind  noise.Kind
	NoiseLevel float64
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Submitted         uint64  `json:"submitted"`
	Emitted           uint64  `json:"emitted"`
	Substituted       uint64  `json:"substituted"`
	TransformFailures uint64  `json:"transform_failures"`
	ReorderFills      uint64  `json:"reorder_fills"`
	LateResults       uint64  `json:"late_results"`
	InFlight          int     `json:"in_flight"`
	OutputAvailable   int     `json:"output_available"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
}

// Pipeline drives one session's audio through capture, conversion,
// fluctuation, and ordered emission. Chunks are converted concurrently
// but leave in strict sequence order; a chunk whose conversion fails or
// misses its deadline leaves as silence, never as the speaker's own
// voice. Only the reassembly goroutine touches chunks after conversion,
// so per-chunk post-processing needs no locking.
type Pipeline struct {
	config  Config
	sess    *session.Session
	tr      transform.Transformer
	noise   *noise.Generator
	metrics *metrics.Metrics
	logger  *slog.Logger

	scheduler *audio.Scheduler
	reasm     *audio.Reassembler
	output    *audio.Ring

	sem     chan struct{}
	results chan *audio.Chunk
	workers sync.WaitGroup

	// factors drawn at dispatch, consumed at emission, keyed by
	// sequence. Gap-filled silence has no entry and emits neutral.
	factorsMu sync.Mutex
	factors   map[uint64]fluctuation.Factors

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	submitted   atomic.Uint64
	emitted     atomic.Uint64
	latencyNs   atomic.Int64
	substituted atomic.Uint64
	failures    atomic.Uint64
	prevFills   uint64
	prevLate    uint64

	closed atomic.Bool
	mu     sync.Mutex // serializes Submit/Flush
}

// New creates a pipeline for one session and starts its reassembly
// goroutine. The transformer may be shared across pipelines; everything
// else is per-session.
func New(sess *session.Session, tr transform.Transformer, m *metrics.Metrics, logger *slog.Logger, config Config) (*Pipeline, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 4
	}
	if config.ReorderWindow == 0 {
		config.ReorderWindow = 2
	}
	if config.ReorderDeadline <= 0 {
		config.ReorderDeadline = 250 * time.Millisecond
	}
	if config.TransformTimeout <= 0 {
		config.TransformTimeout = 5 * time.Second
	}
	if config.OutputCapacity < config.ChunkSize {
		config.OutputCapacity = config.ChunkSize * 30
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		config:    config,
		sess:      sess,
		tr:        tr,
		noise:     noise.NewGenerator(0),
		metrics:   m,
		logger:    logger.With(slog.String("session_id", sess.ID)),
		scheduler: audio.NewScheduler(sess.ID, config.SampleRate, config.ChunkSize),
		reasm: audio.NewReassembler(sess.ID, config.SampleRate, config.ChunkSize,
			config.ReorderWindow, config.ReorderDeadline),
		output:  audio.NewRing(config.OutputCapacity),
		sem:     make(chan struct{}, config.MaxInFlight),
		results: make(chan *audio.Chunk, config.MaxInFlight*2),
		factors: make(map[uint64]fluctuation.Factors),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go p.reassemblyLoop()

	return p, nil
}

// Submit feeds captured samples into the pipeline. Whole chunks are
// dispatched for conversion immediately; a trailing partial waits for
// more input.
func (p *Pipeline) Submit(samples []float32) error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.mu.Lock()
	chunks := p.scheduler.Submit(samples)
	for _, chunk := range chunks {
		p.dispatch(chunk)
	}
	p.mu.Unlock()

	p.sess.Touch()
	return nil
}

// Flush emits the buffered partial chunk, zero-padded, marking the end
// of the stream. A no-op when nothing is buffered.
func (p *Pipeline) Flush() error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.mu.Lock()
	chunk := p.scheduler.Flush()
	if chunk != nil {
		p.dispatch(chunk)
	}
	p.mu.Unlock()

	return nil
}

// dispatch draws the chunk's fluctuation factors and hands it to a
// worker. Factors are drawn here, on the submission path, so they
// advance once per chunk in capture order even though conversions
// finish out of order.
func (p *Pipeline) dispatch(chunk *audio.Chunk) {
	factors := p.sess.Engine.Step()

	p.factorsMu.Lock()
	p.factors[chunk.Sequence] = factors
	p.factorsMu.Unlock()

	p.submitted.Add(1)
	p.metrics.RecordChunkSubmitted()

	p.workers.Add(1)
	go p.convert(chunk, factors)
}

// convert runs one chunk through the transformer and reports the
// outcome. Failure or timeout yields silence in the chunk's slot.
func (p *Pipeline) convert(chunk *audio.Chunk, factors fluctuation.Factors) {
	defer p.workers.Done()

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-p.ctx.Done():
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.TransformTimeout)
	defer cancel()

	params := transform.Params{
		Model: p.config.Model,
		// Pitch and tone fluctuation ride along as conversion
		// parameters; only volume is applied to samples locally.
		PitchShift: p.config.PitchShift,
		ToneShift:  p.config.ToneShift + (factors.Tone - 1.0) + (factors.Pitch - 1.0),
	}

	start := time.Now()
	p.metrics.RecordTransformRequest()

	converted, err := p.tr.Transform(ctx, chunk, params)
	elapsed := time.Since(start)

	if err != nil {
		p.failures.Add(1)
		p.substituted.Add(1)
		p.metrics.RecordTransformFailure(elapsed.Seconds())
		p.metrics.RecordChunkDropped()
		if errors.Is(err, context.DeadlineExceeded) {
			p.metrics.RecordTransformTimeout()
		}
		p.logger.Warn("Conversion failed, substituting silence",
			slog.Uint64("sequence", chunk.Sequence),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		converted = chunk.Silence()
	} else {
		p.metrics.RecordTransformSuccess(elapsed.Seconds())
	}

	select {
	case p.results <- converted:
	case <-p.ctx.Done():
	}
}

// reassemblyLoop is the single goroutine restoring sequence order and
// finishing chunks for output.
func (p *Pipeline) reassemblyLoop() {
	defer close(p.done)

	tick := p.config.ReorderDeadline / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case chunk := <-p.results:
			for _, ready := range p.reasm.Push(chunk) {
				p.emit(ready)
			}
			p.noteReorderCounters()

		case now := <-ticker.C:
			for _, ready := range p.reasm.Expire(now) {
				p.emit(ready)
			}
			p.noteReorderCounters()

		case <-p.ctx.Done():
			return
		}
	}
}

// emit applies the local fluctuation and noise stages and pushes the
// finished chunk into the output ring.
func (p *Pipeline) emit(chunk *audio.Chunk) {
	p.factorsMu.Lock()
	factors, ok := p.factors[chunk.Sequence]
	delete(p.factors, chunk.Sequence)
	p.factorsMu.Unlock()
	if !ok {
		factors = fluctuation.Factors{Pitch: 1, Volume: 1, Tone: 1}
	}

	// Volume fluctuation. Silence stays silence regardless.
	if factors.Volume != 1.0 {
		volume := float32(factors.Volume)
		for i := range chunk.Samples {
			chunk.Samples[i] *= volume
		}
	}

	if p.config.NoiseKind != noise.KindNone && p.config.NoiseLevel > 0 {
		ambience := p.noise.Samples(p.config.NoiseKind, len(chunk.Samples), p.config.NoiseLevel)
		noise.Mix(chunk.Samples, ambience)
	}

	p.output.Push(chunk.Samples)
	p.emitted.Add(1)
	latency := time.Since(chunk.CapturedAt)
	p.latencyNs.Add(int64(latency))
	p.metrics.RecordChunkReady(latency.Seconds())
}

// noteReorderCounters forwards reassembler counter deltas to metrics.
func (p *Pipeline) noteReorderCounters() {
	if fills := p.reasm.Dropped(); fills > p.prevFills {
		for i := p.prevFills; i < fills; i++ {
			p.metrics.RecordReorderTimeout()
			p.metrics.RecordChunkDropped()
		}
		p.prevFills = fills
	}
	if late := p.reasm.Late(); late > p.prevLate {
		for i := p.prevLate; i < late; i++ {
			p.metrics.RecordLateResult()
		}
		p.prevLate = late
	}
}

// Output returns the ring holding finished samples, ready to play.
func (p *Pipeline) Output() *audio.Ring {
	return p.output
}

// Stats returns a snapshot of the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	var avgMs float64
	if emitted := p.emitted.Load(); emitted > 0 {
		avgMs = float64(p.latencyNs.Load()) / float64(emitted) / 1e6
	}
	return Stats{
		AvgLatencyMs:      avgMs,
		Submitted:         p.submitted.Load(),
		Emitted:           p.emitted.Load(),
		Substituted:       p.substituted.Load(),
		TransformFailures: p.failures.Load(),
		ReorderFills:      p.reasm.Dropped(),
		LateResults:       p.reasm.Late(),
		InFlight:          len(p.sem),
		OutputAvailable:   p.output.Len(),
	}
}

// Drain blocks until every submitted chunk has been emitted or the
// context expires. Gap fills count as emission, so a wedged collaborator
// cannot stall the wait past the reorder deadline.
func (p *Pipeline) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.emitted.Load() >= p.submitted.Load() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the pipeline. In-flight conversions finish or are
// abandoned; the output ring keeps whatever was already emitted.
func (p *Pipeline) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Let in-flight work complete before tearing down the loop.
	waited := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(p.config.TransformTimeout + time.Second):
		p.logger.Warn("Abandoning in-flight conversions on close")
	}

	p.cancel()
	<-p.done

	return nil
}

// ProcessBuffer runs a whole recording through the pipeline and returns
// the finished samples. This is the file-mode entry point; it reuses the
// streaming machinery with an output ring sized to hold everything.
func ProcessBuffer(ctx context.Context, sess *session.Session, tr transform.Transformer, m *metrics.Metrics, logger *slog.Logger, config Config, samples []float32) ([]float32, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples to process")
	}

	config.OutputCapacity = len(samples) + config.ChunkSize

	p, err := New(sess, tr, m, logger, config)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	if err := p.Submit(samples); err != nil {
		return nil, err
	}
	if err := p.Flush(); err != nil {
		return nil, err
	}
	if err := p.Drain(ctx); err != nil {
		return nil, fmt.Errorf("processing did not finish: %w", err)
	}

	out := p.output.DrainAvailable(p.output.Len())
	// The terminal chunk was zero-padded to a whole chunk; trim the
	// padding so output length matches input.
	if len(out) > len(samples) {
		out = out[:len(samples)]
	}
	return out, nil
}
