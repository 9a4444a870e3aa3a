package transform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kako-jun/makebeliv/internal/audio"
)

func testChunk(n int) *audio.Chunk {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return &audio.Chunk{
		SessionID:  "test-session",
		Sequence:   3,
		SampleRate: 16000,
		Samples:    samples,
		CapturedAt: time.Now(),
	}
}

// echoServer answers /convert-chunk with the uploaded audio unchanged.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/convert-chunk" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()

		buf := make([]byte, 10<<20)
		n, _ := file.Read(buf)
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(buf[:n])
	}))
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Endpoint:      endpoint,
		Timeout:       2 * time.Second,
		MaxRetries:    0,
		MaxConcurrent: 2,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}, nil); err == nil {
		t.Error("Expected error for empty endpoint")
	}

	c, err := NewClient(Config{Endpoint: "http://localhost:8000"}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.config.Timeout <= 0 {
		t.Error("Expected default timeout")
	}
	if c.config.MaxConcurrent <= 0 {
		t.Error("Expected default concurrency limit")
	}
}

func TestTransformEcho(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	chunk := testChunk(1600)

	converted, err := c.Transform(context.Background(), chunk, Params{Model: "default"})
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	if converted.Sequence != chunk.Sequence {
		t.Errorf("Expected sequence %d, got %d", chunk.Sequence, converted.Sequence)
	}
	if converted.SessionID != chunk.SessionID {
		t.Errorf("Expected session %s, got %s", chunk.SessionID, converted.SessionID)
	}
	if len(converted.Samples) != len(chunk.Samples) {
		t.Errorf("Expected %d samples, got %d", len(chunk.Samples), len(converted.Samples))
	}

	stats := c.GetStats()
	if stats.SuccessRequests != 1 {
		t.Errorf("Expected 1 success, got %d", stats.SuccessRequests)
	}
}

func TestTransformServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	if _, err := c.Transform(context.Background(), testChunk(160), Params{}); err == nil {
		t.Error("Expected error from 400 response")
	}

	stats := c.GetStats()
	if stats.FailedRequests != 1 {
		t.Errorf("Expected 1 failure, got %d", stats.FailedRequests)
	}
}

func TestTransformDurationMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Answer with fewer samples than sent.
		wav, _ := audio.EncodeWAV(make([]float32, 100), 16000)
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Transform(context.Background(), testChunk(1600), Params{})
	if !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("Expected ErrInvalidDuration, got %v", err)
	}
}

func TestTransformRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		r.ParseMultipartForm(10 << 20)
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		buf := make([]byte, 10<<20)
		n, _ := file.Read(buf)
		w.Write(buf[:n])
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		Endpoint:      srv.URL,
		Timeout:       2 * time.Second,
		MaxRetries:    2,
		MaxConcurrent: 2,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := c.Transform(context.Background(), testChunk(320), Params{}); err != nil {
		t.Fatalf("Expected retry to succeed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls.Load())
	}

	stats := c.GetStats()
	if stats.TotalRetries != 1 {
		t.Errorf("Expected 1 retry, got %d", stats.TotalRetries)
	}
}

func TestTransformContextCancelled(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Transform(ctx, testChunk(160), Params{}); err == nil {
		t.Error("Expected error from cancelled context")
	}
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","models_loaded":["default"],"active_sessions":2,"uptime_seconds":12.5}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Status != "ok" {
		t.Errorf("Expected status ok, got %s", status.Status)
	}
	if len(status.ModelsLoaded) != 1 || status.ModelsLoaded[0] != "default" {
		t.Errorf("Unexpected models: %v", status.ModelsLoaded)
	}
}

func TestIsRetryableError(t *testing.T) {
	c := newTestClient(t, "http://localhost:1")

	if c.isRetryableError(ErrInvalidDuration) {
		t.Error("Duration mismatch must not be retried")
	}
	if !c.isRetryableError(context.DeadlineExceeded) {
		t.Error("Deadline exceeded should be retried")
	}
	if !c.isRetryableError(errors.New("HTTP error 503: busy")) {
		t.Error("5xx should be retried")
	}
	if c.isRetryableError(errors.New("HTTP error 400: bad request")) {
		t.Error("4xx should not be retried")
	}
}
