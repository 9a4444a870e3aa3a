package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/kako-jun/makebeliv/internal/audio"
	"github.com/kako-jun/makebeliv/internal/metrics"
)

// ErrInvalidDuration is returned when the collaborator responds with a
// different number of samples than it was sent. The caller must treat
// this as a failed conversion and substitute locally.
var ErrInvalidDuration = errors.New("converted chunk duration does not match input")

// Params carries the voice-conversion knobs forwarded with each chunk.
// Pitch and tone travel to the collaborator; only volume is applied
// locally.
type Params struct {
	Model      string
	PitchShift int
	ToneShift  float64
}

// Transformer converts a chunk of speech into the target voice.
type Transformer interface {
	Transform(ctx context.Context, chunk *audio.Chunk, params Params) (*audio.Chunk, error)
}

// Client is the HTTP transformer talking to a voice-conversion service.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // bounds concurrent in-flight conversions
	metrics    *metrics.Metrics

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains transform client configuration.
type Config struct {
	Endpoint      string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// ServiceStatus mirrors the collaborator's /status payload.
type ServiceStatus struct {
	Status         string   `json:"status"`
	ModelsLoaded   []string `json:"models_loaded"`
	ActiveSessions int      `json:"active_sessions"`
	UptimeSeconds  float64  `json:"uptime_seconds"`
}

// ClientStats represents client statistics.
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new voice-conversion HTTP client.
func NewClient(config Config, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 2
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		metrics:    m,
	}, nil
}

// Transform sends one chunk to the conversion service and returns the
// converted chunk carrying the same sequence and session metadata.
func (c *Client) Transform(ctx context.Context, chunk *audio.Chunk, params Params) (*audio.Chunk, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			// Exponential backoff, capped so retries stay inside a
			// real-time budget.
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 50 * time.Millisecond
			if backoff > time.Second {
				backoff = time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		converted, err := c.doRequest(ctx, chunk, params)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return converted, nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return nil, fmt.Errorf("conversion failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// Status queries the conversion service's health endpoint.
func (c *Client) Status(ctx context.Context) (*ServiceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.config.Endpoint+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	var status ServiceStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status JSON: %w", err)
	}

	return &status, nil
}

// doRequest performs a single conversion round trip.
func (c *Client) doRequest(ctx context.Context, chunk *audio.Chunk, params Params) (*audio.Chunk, error) {
	body, contentType, err := c.createMultipartRequest(chunk, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint+"/convert-chunk", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "audio/wav")
	httpReq.Header.Set("User-Agent", "makebeliv/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	samples, sampleRate, err := audio.DecodeWAV(respBody)
	if err != nil {
		return nil, fmt.Errorf("failed to decode converted audio: %w", err)
	}

	if sampleRate != chunk.SampleRate {
		return nil, fmt.Errorf("converted sample rate %d does not match input %d", sampleRate, chunk.SampleRate)
	}

	if len(samples) != len(chunk.Samples) {
		return nil, fmt.Errorf("%w: sent %d samples, got %d", ErrInvalidDuration, len(chunk.Samples), len(samples))
	}

	return chunk.WithSamples(samples), nil
}

// createMultipartRequest builds the multipart body: the chunk encoded
// as a WAV file plus conversion parameters as form fields.
func (c *Client) createMultipartRequest(chunk *audio.Chunk, params Params) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	wav, err := audio.EncodeWAV(chunk.Samples, chunk.SampleRate)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode chunk: %w", err)
	}

	filename := fmt.Sprintf("%s-%d.wav", chunk.SessionID, chunk.Sequence)
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"session_id":  chunk.SessionID,
		"sequence":    fmt.Sprintf("%d", chunk.Sequence),
		"sample_rate": fmt.Sprintf("%d", chunk.SampleRate),
		"duration":    fmt.Sprintf("%.3f", chunk.Duration().Seconds()),
		"model":       params.Model,
		"pitch_shift": fmt.Sprintf("%d", params.PitchShift),
	}
	if params.ToneShift != 0 {
		fields["tone_shift"] = fmt.Sprintf("%.3f", params.ToneShift)
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError determines if an error is worth another attempt.
func (c *Client) isRetryableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// A duration mismatch means the service answered; retrying the
	// same chunk will not change its mind.
	if errors.Is(err, ErrInvalidDuration) {
		return false
	}

	errStr := err.Error()

	// 5xx server errors are retryable
	if bytes.Contains([]byte(errStr), []byte("HTTP error 5")) {
		return true
	}

	// Rate limiting (429) is retryable
	if bytes.Contains([]byte(errStr), []byte("HTTP error 429")) {
		return true
	}

	// Network/connection errors are typically retryable
	if bytes.Contains([]byte(errStr), []byte("connection")) ||
		bytes.Contains([]byte(errStr), []byte("timeout")) ||
		bytes.Contains([]byte(errStr), []byte("refused")) {
		return true
	}

	return false
}

func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	c.totalRetries++
	c.mu.Unlock()
	c.metrics.RecordTransformRetry()
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics.
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	activeRequests := len(c.semaphore)

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  activeRequests,
	}
}

// Close waits for all in-flight conversions to drain.
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
