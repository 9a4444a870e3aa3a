package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice-changer service.
// All recorder methods tolerate a nil receiver so code under test can
// run without a registry.
type Metrics struct {
	// Chunk pipeline metrics
	ChunksSubmitted prometheus.Counter
	ChunksReady     prometheus.Counter
	ChunksDropped   prometheus.Counter
	ReorderTimeouts prometheus.Counter
	LateResults     prometheus.Counter
	ProcessingTime  prometheus.Histogram

	// Transform collaborator metrics
	TransformRequests  prometheus.Counter
	TransformSuccesses prometheus.Counter
	TransformFailures  prometheus.Counter
	TransformTimeouts  prometheus.Counter
	TransformDuration  prometheus.Histogram
	TransformRetries   prometheus.Counter

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsEvicted prometheus.Counter
	SessionResets   prometheus.Counter

	// Stream surface metrics
	WSConnections prometheus.Gauge
	FramesIn      prometheus.Counter
	FramesOut     prometheus.Counter
	FrameErrors   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Chunk pipeline metrics
		ChunksSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_chunks_submitted_total",
			Help: "Total number of audio chunks submitted to the pipeline",
		}),
		ChunksReady: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_chunks_ready_total",
			Help: "Total number of chunks delivered to the output buffer",
		}),
		ChunksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_chunks_dropped_total",
			Help: "Total number of chunks replaced with silence",
		}),
		ReorderTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_reorder_timeouts_total",
			Help: "Total number of reassembly gaps filled on deadline",
		}),
		LateResults: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_late_results_total",
			Help: "Total number of converted chunks arriving after their slot was filled",
		}),
		ProcessingTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "makebeliv_chunk_processing_duration_seconds",
			Help:    "Wall time from chunk capture to ready",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		}),

		// Transform collaborator metrics
		TransformRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_transform_requests_total",
			Help: "Total number of conversion requests sent",
		}),
		TransformSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_transform_successes_total",
			Help: "Total number of successful conversion requests",
		}),
		TransformFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_transform_failures_total",
			Help: "Total number of failed conversion requests",
		}),
		TransformTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_transform_timeouts_total",
			Help: "Total number of conversion requests abandoned on deadline",
		}),
		TransformDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "makebeliv_transform_duration_seconds",
			Help:    "Duration of conversion requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		}),
		TransformRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_transform_retries_total",
			Help: "Total number of conversion request retries",
		}),

		// Session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "makebeliv_active_sessions",
			Help: "Current number of active conversion sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_sessions_evicted_total",
			Help: "Total number of sessions evicted for inactivity",
		}),
		SessionResets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_session_resets_total",
			Help: "Total number of explicit session resets",
		}),

		// Stream surface metrics
		WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "makebeliv_ws_connections",
			Help: "Current number of open WebSocket streams",
		}),
		FramesIn: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_ws_frames_in_total",
			Help: "Total number of frames received on WebSocket streams",
		}),
		FramesOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_ws_frames_out_total",
			Help: "Total number of frames sent on WebSocket streams",
		}),
		FrameErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "makebeliv_ws_frame_errors_total",
			Help: "Total number of malformed frames received",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "makebeliv_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "makebeliv_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "makebeliv_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordChunkSubmitted increments the submitted chunks counter
func (m *Metrics) RecordChunkSubmitted() {
	if m == nil {
		return
	}
	m.ChunksSubmitted.Inc()
}

// RecordChunkReady records a chunk reaching the output buffer
func (m *Metrics) RecordChunkReady(processingSeconds float64) {
	if m == nil {
		return
	}
	m.ChunksReady.Inc()
	m.ProcessingTime.Observe(processingSeconds)
}

// RecordChunkDropped increments the dropped chunks counter
func (m *Metrics) RecordChunkDropped() {
	if m == nil {
		return
	}
	m.ChunksDropped.Inc()
}

// RecordReorderTimeout increments the reassembly deadline counter
func (m *Metrics) RecordReorderTimeout() {
	if m == nil {
		return
	}
	m.ReorderTimeouts.Inc()
}

// RecordLateResult increments the late results counter
func (m *Metrics) RecordLateResult() {
	if m == nil {
		return
	}
	m.LateResults.Inc()
}

// RecordTransformRequest increments the conversion requests counter
func (m *Metrics) RecordTransformRequest() {
	if m == nil {
		return
	}
	m.TransformRequests.Inc()
}

// RecordTransformSuccess records a successful conversion
func (m *Metrics) RecordTransformSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TransformSuccesses.Inc()
	m.TransformDuration.Observe(durationSeconds)
}

// RecordTransformFailure records a failed conversion
func (m *Metrics) RecordTransformFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TransformFailures.Inc()
	m.TransformDuration.Observe(durationSeconds)
}

// RecordTransformTimeout increments the deadline counter
func (m *Metrics) RecordTransformTimeout() {
	if m == nil {
		return
	}
	m.TransformTimeouts.Inc()
}

// RecordTransformRetry increments the retry counter
func (m *Metrics) RecordTransformRetry() {
	if m == nil {
		return
	}
	m.TransformRetries.Inc()
}

// SetActiveSessions sets the current session count
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionsEvicted adds to the evicted sessions counter
func (m *Metrics) RecordSessionsEvicted(count int) {
	if m == nil {
		return
	}
	m.SessionsEvicted.Add(float64(count))
}

// RecordSessionReset increments the session resets counter
func (m *Metrics) RecordSessionReset() {
	if m == nil {
		return
	}
	m.SessionResets.Inc()
}

// SetWSConnections sets the current WebSocket connection count
func (m *Metrics) SetWSConnections(count int) {
	if m == nil {
		return
	}
	m.WSConnections.Set(float64(count))
}

// RecordFrameIn increments the received frames counter
func (m *Metrics) RecordFrameIn() {
	if m == nil {
		return
	}
	m.FramesIn.Inc()
}

// RecordFrameOut increments the sent frames counter
func (m *Metrics) RecordFrameOut() {
	if m == nil {
		return
	}
	m.FramesOut.Inc()
}

// RecordFrameError increments the malformed frames counter
func (m *Metrics) RecordFrameError() {
	if m == nil {
		return
	}
	m.FrameErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
