package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kako-jun/makebeliv/internal/config"
	"github.com/kako-jun/makebeliv/internal/metrics"
	"github.com/kako-jun/makebeliv/internal/session"
	"github.com/kako-jun/makebeliv/internal/transform"
)

// Server provides the HTTP surface: monitoring and control endpoints
// plus the WebSocket streaming entry point.
type Server struct {
	server      *http.Server
	logger      *slog.Logger
	config      *config.Config
	registry    *session.Registry
	transformer transform.Transformer
	metrics     *metrics.Metrics
	hub         *Hub

	startTime time.Time
}

// NewServer creates the HTTP server with all routes wired.
func NewServer(logger *slog.Logger, appConfig *config.Config,
	registry *session.Registry, transformer transform.Transformer, m *metrics.Metrics) *Server {

	s := &Server{
		logger:      logger,
		config:      appConfig,
		registry:    registry,
		transformer: transformer,
		metrics:     m,
		hub:         NewHub(m),
		startTime:   time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appConfig.Server.Address, appConfig.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures HTTP API routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health and status endpoints
	mux.HandleFunc("/health", s.withMetrics("/health", s.handleHealth))
	mux.HandleFunc("/status", s.withMetrics("/status", s.handleStatus))

	// Session monitoring and control
	mux.HandleFunc("/sessions", s.withMetrics("/sessions", s.handleSessions))
	mux.HandleFunc("/sessions/", s.withMetrics("/sessions/{id}", s.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", s.withMetrics("/config", s.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", s.withMetrics("/stats", s.handleStats))

	// WebSocket streaming (metrics recorded per frame, not per request)
	mux.HandleFunc("/stream", s.handleStream)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", s.withMetrics("/", s.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		s.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			s.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server and closes open streams.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server...")

	s.hub.CloseAll()

	return s.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(s.startTime)
	active, created, evicted := s.registry.Stats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "makebeliv",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"sessions": map[string]interface{}{
				"status":  "running",
				"active":  active,
				"created": created,
				"evicted": evicted,
			},
			"streams": map[string]interface{}{
				"status":      "running",
				"connections": s.hub.Count(),
			},
		},
	}

	// The conversion collaborator's health rides along when reachable.
	if client, ok := s.transformer.(*transform.Client); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if status, err := client.Status(ctx); err == nil {
			health["components"].(map[string]interface{})["transform"] = map[string]interface{}{
				"status":        status.Status,
				"models_loaded": status.ModelsLoaded,
			}
		} else {
			health["components"].(map[string]interface{})["transform"] = map[string]interface{}{
				"status": "unreachable",
				"error":  err.Error(),
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStatus implements the /status endpoint: the compact snapshot
// a monitoring client polls.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agg := s.hub.Aggregate()

	status := map[string]interface{}{
		"sessions_active":              s.registry.Count(),
		"streams_active":               s.hub.Count(),
		"chunks_emitted":               agg.Emitted,
		"chunks_substituted":           agg.Substituted,
		"avg_processing_latency_ms":    agg.AvgLatencyMs,
		"uptime_seconds":               time.Since(s.startTime).Seconds(),
		"timestamp":                    time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleSessions implements the /sessions endpoint
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := s.registry.Infos()

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements /sessions/{id} and the reset action
// POST /sessions/{id}/reset.
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if rest == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/reset"); ok {
		s.handleSessionReset(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, exists := s.registry.Get(rest)
	if !exists {
		s.writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	info := session.Info{
		ID:            sess.ID,
		CreatedAt:     sess.CreatedAt,
		LastUsed:      sess.LastUsed(),
		ChunksApplied: sess.Engine.Applied(),
		Factors:       sess.Engine.Current(),
	}

	response := map[string]interface{}{
		"session": info,
	}
	if st, ok := s.hub.PipelineStats(sess.ID); ok {
		response["pipeline"] = st
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionReset discards a session's fluctuation drift.
func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.registry.Reset(id); err != nil {
		s.writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	s.metrics.RecordSessionReset()
	s.logger.Info("Session reset via API", slog.String("session_id", id))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":     "reset",
		"session_id": id,
	})
}

// handleConfig implements the /config endpoint
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":    s.config.Server.Port,
			"address": s.config.Server.Address,
		},
		"audio": map[string]interface{}{
			"sample_rate":       s.config.Audio.SampleRate,
			"chunk_duration_ms": s.config.Audio.ChunkDurationMs,
		},
		"pipeline": map[string]interface{}{
			"max_in_flight":       s.config.Pipeline.MaxInFlight,
			"reorder_window":      s.config.Pipeline.ReorderWindow,
			"reorder_deadline_ms": s.config.Pipeline.ReorderDeadlineMs,
		},
		"fluctuation": map[string]interface{}{
			"enabled":          s.config.Fluctuation.Enabled,
			"pitch_variation":  s.config.Fluctuation.PitchVariation,
			"volume_variation": s.config.Fluctuation.VolumeVariation,
			"tone_variation":   s.config.Fluctuation.ToneVariation,
			"smoothness":       s.config.Fluctuation.Smoothness,
		},
		"noise": map[string]interface{}{
			"enabled": s.config.Noise.Enabled,
			"kind":    s.config.Noise.Kind,
			"level":   s.config.Noise.Level,
		},
		"transform": map[string]interface{}{
			"endpoint":       s.config.Transform.Endpoint,
			"model":          s.config.Transform.Model,
			"pitch_shift":    s.config.Transform.PitchShift,
			"timeout":        s.config.Transform.Timeout,
			"max_retries":    s.config.Transform.MaxRetries,
			"max_concurrent": s.config.Transform.MaxConcurrent,
		},
		"logging": map[string]interface{}{
			"level":  s.config.Logging.Level,
			"format": s.config.Logging.Format,
			"output": s.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active, created, evicted := s.registry.Stats()
	agg := s.hub.Aggregate()

	stats := map[string]interface{}{
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active":  active,
			"created": created,
			"evicted": evicted,
		},
		"pipeline": agg,
	}

	if client, ok := s.transformer.(*transform.Client); ok {
		stats["transform"] = client.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "makebeliv voice changer",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                          "API documentation",
			"GET /health":                    "Service health check",
			"GET /status":                    "Compact monitoring snapshot",
			"GET /sessions":                  "List all active sessions",
			"GET /sessions/{id}":             "Get detailed session information",
			"POST /sessions/{id}/reset":      "Reset a session's fluctuation state",
			"GET /config":                    "Get service configuration",
			"GET /stats":                     "Get service statistics",
			"GET /stream?session_id={id}":    "WebSocket audio stream",
			"GET /metrics":                   "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}

// writeJSONError answers control-plane failures with a JSON body.
func (s *Server) writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
