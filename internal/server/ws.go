package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kako-jun/makebeliv/internal/audio"
	"github.com/kako-jun/makebeliv/internal/config"
	"github.com/kako-jun/makebeliv/internal/metrics"
	"github.com/kako-jun/makebeliv/internal/pipeline"
	"github.com/kako-jun/makebeliv/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		// Local tool, browser clients connect from file:// pages.
		return true
	},
}

// Hub tracks open WebSocket streams and their pipelines so the
// monitoring endpoints can see them.
type Hub struct {
	mu        sync.RWMutex
	pipelines map[string]*pipeline.Pipeline
	closers   map[string]func()
	metrics   *metrics.Metrics
}

// NewHub creates an empty stream hub.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		pipelines: make(map[string]*pipeline.Pipeline),
		closers:   make(map[string]func()),
		metrics:   m,
	}
}

// Register tracks a stream's pipeline under its session id.
func (h *Hub) Register(sessionID string, p *pipeline.Pipeline, closer func()) {
	h.mu.Lock()
	h.pipelines[sessionID] = p
	h.closers[sessionID] = closer
	count := len(h.pipelines)
	h.mu.Unlock()

	h.metrics.SetWSConnections(count)
}

// Unregister drops a stream from the hub.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	delete(h.pipelines, sessionID)
	delete(h.closers, sessionID)
	count := len(h.pipelines)
	h.mu.Unlock()

	h.metrics.SetWSConnections(count)
}

// Count returns the number of open streams.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pipelines)
}

// PipelineStats returns the pipeline counters for one session.
func (h *Hub) PipelineStats(sessionID string) (pipeline.Stats, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p, ok := h.pipelines[sessionID]
	if !ok {
		return pipeline.Stats{}, false
	}
	return p.Stats(), true
}

// Aggregate sums pipeline counters across all open streams.
func (h *Hub) Aggregate() pipeline.Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var agg pipeline.Stats
	var latencySum float64
	var latencyCount int
	for _, p := range h.pipelines {
		st := p.Stats()
		agg.Submitted += st.Submitted
		agg.Emitted += st.Emitted
		agg.Substituted += st.Substituted
		agg.TransformFailures += st.TransformFailures
		agg.ReorderFills += st.ReorderFills
		agg.LateResults += st.LateResults
		agg.InFlight += st.InFlight
		agg.OutputAvailable += st.OutputAvailable
		if st.AvgLatencyMs > 0 {
			latencySum += st.AvgLatencyMs
			latencyCount++
		}
	}
	if latencyCount > 0 {
		agg.AvgLatencyMs = latencySum / float64(latencyCount)
	}
	return agg
}

// CloseAll force-closes every open stream. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	closers := make([]func(), 0, len(h.closers))
	for _, c := range h.closers {
		closers = append(closers, c)
	}
	h.mu.Unlock()

	for _, c := range closers {
		c()
	}
}

// streamConn is one live WebSocket audio stream.
type streamConn struct {
	conn      *websocket.Conn
	pipeline  *pipeline.Pipeline
	sessionID string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	chunkDuration time.Duration
	chunkSize     int

	reset func() error

	// closed when the reader is done; the writer drains and exits.
	readerDone chan struct{}
	// set before readerDone closes when the client signaled a clean end.
	endOfStream bool
}

// handleStream upgrades the connection and runs a full-duplex audio
// stream: client frames go into the pipeline, finished audio flows
// back out as it becomes ready.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, err := s.registry.GetOrCreate(sessionID, s.config.Fluctuation.EngineConfig())
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.registry.Count())

	p, err := pipeline.New(sess, s.transformer, s.metrics, s.logger, PipelineConfig(s.config))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The allocated id comes back in the handshake so clients that let
	// the server pick can find their session later.
	conn, err := upgrader.Upgrade(w, r, http.Header{"X-Session-Id": {sessionID}})
	if err != nil {
		p.Close()
		s.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	sc := &streamConn{
		conn:          conn,
		pipeline:      p,
		sessionID:     sessionID,
		logger:        s.logger.With(slog.String("session_id", sessionID)),
		metrics:       s.metrics,
		chunkDuration: s.config.Audio.GetChunkDuration(),
		chunkSize:     s.config.Audio.ChunkSamples(),
		reset:         func() error { return s.registry.Reset(sessionID) },
		readerDone:    make(chan struct{}),
	}

	s.hub.Register(sessionID, p, func() { conn.Close() })
	defer func() {
		s.hub.Unregister(sessionID)
		p.Close()
		conn.Close()
	}()

	sc.logger.Info("Stream opened")

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		sc.writeLoop()
	}()

	sc.readLoop()
	writers.Wait()

	sc.logger.Info("Stream closed",
		slog.Uint64("chunks_emitted", p.Stats().Emitted),
	)
}

// readLoop consumes client frames until the connection drops or the
// client ends the stream.
func (sc *streamConn) readLoop() {
	defer close(sc.readerDone)

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sc.logger.Warn("Stream read error", slog.String("error", err.Error()))
			}
			return
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			// A malformed frame costs that frame, not the stream.
			sc.metrics.RecordFrameError()
			sc.logger.Warn("Malformed frame", slog.String("error", err.Error()))
			continue
		}
		sc.metrics.RecordFrameIn()

		switch {
		case frame.Audio != nil:
			samples := audio.PCM16ToFloat32(frame.Audio.PCM)
			if err := sc.pipeline.Submit(samples); err != nil {
				sc.logger.Warn("Submit failed", slog.String("error", err.Error()))
				return
			}

		case frame.Control != nil:
			if frame.Control.Reset() {
				if err := sc.reset(); err != nil {
					sc.logger.Warn("Reset failed", slog.String("error", err.Error()))
				} else {
					sc.metrics.RecordSessionReset()
					sc.logger.Info("Session reset via stream")
				}
			}
			if frame.Control.EndOfStream() {
				if err := sc.pipeline.Flush(); err != nil {
					sc.logger.Warn("Flush failed", slog.String("error", err.Error()))
				}
				sc.endOfStream = true
				return
			}
		}
	}
}

// writeLoop pushes finished audio back to the client at the chunk
// cadence. After the reader finishes it drains the pipeline and, on a
// clean end, answers with an end-of-stream control frame.
func (sc *streamConn) writeLoop() {
	tick := sc.chunkDuration / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var outSeq uint32

	for {
		select {
		case <-ticker.C:
			if !sc.flushOutput(&outSeq) {
				return
			}

		case <-sc.readerDone:
			// Give in-flight conversions a chance to land, then send
			// everything that made it.
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				st := sc.pipeline.Stats()
				if st.Emitted >= st.Submitted {
					break
				}
				time.Sleep(tick)
			}
			sc.flushOutput(&outSeq)

			if sc.endOfStream {
				if frame, err := protocol.EncodeControlFrame(outSeq, protocol.ControlEndOfStream); err == nil {
					sc.conn.WriteMessage(websocket.BinaryMessage, frame)
				}
				sc.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		}
	}
}

// flushOutput sends all ready audio as chunk-sized frames. Returns
// false when the connection is gone.
func (sc *streamConn) flushOutput(outSeq *uint32) bool {
	for {
		samples := sc.pipeline.Output().DrainAvailable(sc.chunkSize)
		if samples == nil {
			return true
		}

		pcm := audio.Float32ToPCM16(samples)
		frame, err := protocol.EncodeAudioFrame(*outSeq, pcm)
		if err != nil {
			sc.logger.Error("Frame encode failed", slog.String("error", err.Error()))
			return true
		}
		*outSeq++

		if err := sc.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return false
		}
		sc.metrics.RecordFrameOut()
	}
}

// PipelineConfig derives a pipeline configuration from the service
// configuration.
func PipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		SampleRate:       cfg.Audio.SampleRate,
		ChunkSize:        cfg.Audio.ChunkSamples(),
		MaxInFlight:      cfg.Pipeline.MaxInFlight,
		ReorderWindow:    uint64(cfg.Pipeline.ReorderWindow),
		ReorderDeadline:  cfg.Pipeline.GetReorderDeadline(),
		TransformTimeout: cfg.Transform.GetTimeoutDuration(),
		OutputCapacity:   cfg.Audio.OutputCapacity,
		Model:            cfg.Transform.Model,
		PitchShift:       cfg.Transform.PitchShift,
		ToneShift:        cfg.Transform.ToneShift,
		NoiseKind:        cfg.Noise.NoiseKind(),
		NoiseLevel:       cfg.Noise.Level,
	}
}
