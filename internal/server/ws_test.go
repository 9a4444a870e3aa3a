package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kako-jun/makebeliv/internal/audio"
	"github.com/kako-jun/makebeliv/internal/protocol"
	"github.com/kako-jun/makebeliv/internal/session"
)

func newTestRegistry(t *testing.T) *session.Registry {
	t.Helper()
	r := session.NewRegistry(testLogger(), nil, time.Minute, time.Hour)
	t.Cleanup(r.Stop)
	return r
}

// dialStream connects a WebSocket client to a test server's /stream and
// returns the connection plus the handshake response.
func dialStream(t *testing.T, s *Server, sessionID string) (*websocket.Conn, *http.Response) {
	t.Helper()

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	if sessionID != "" {
		url += "?session_id=" + sessionID
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, resp
}

func TestStreamRoundTrip(t *testing.T) {
	s := newTestServer(t)
	// Shrink chunks so the test moves little data.
	s.config.Audio.ChunkDurationMs = 10
	// Identity factors keep samples comparable.
	s.config.Fluctuation.Enabled = false

	conn, _ := dialStream(t, s, "ws-roundtrip")

	chunkSize := s.config.Audio.ChunkSamples()
	samples := make([]float32, chunkSize)
	for i := range samples {
		samples[i] = 0.25
	}
	pcm := audio.Float32ToPCM16(samples)

	frame, err := protocol.EncodeAudioFrame(0, pcm)
	if err != nil {
		t.Fatalf("EncodeAudioFrame failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	end, err := protocol.EncodeControlFrame(1, protocol.ControlEndOfStream)
	if err != nil {
		t.Fatalf("EncodeControlFrame failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, end); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	// Collect converted audio until the end-of-stream answer.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []float32
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		parsed, err := protocol.ParseFrame(data)
		if err != nil {
			t.Fatalf("ParseFrame failed: %v", err)
		}
		if parsed.Control != nil && parsed.Control.EndOfStream() {
			break
		}
		if parsed.Audio != nil {
			got = append(got, audio.PCM16ToFloat32(parsed.Audio.PCM)...)
		}
	}

	if len(got) < chunkSize {
		t.Fatalf("Expected at least %d samples back, got %d", chunkSize, len(got))
	}
	// Identity conversion preserves amplitude within PCM16 precision.
	if diff := got[0] - 0.25; diff > 0.001 || diff < -0.001 {
		t.Errorf("Expected ~0.25 back, got %f", got[0])
	}
}

func TestStreamAllocatesSessionID(t *testing.T) {
	s := newTestServer(t)
	s.config.Audio.ChunkDurationMs = 10

	conn, resp := dialStream(t, s, "")

	allocated := resp.Header.Get("X-Session-Id")
	if allocated == "" {
		t.Error("Expected the handshake to report the allocated session id")
	}

	// Give the handler a moment to register the session.
	deadline := time.Now().Add(2 * time.Second)
	for s.registry.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.registry.Count() != 1 {
		t.Fatalf("Expected an allocated session, have %d", s.registry.Count())
	}
	if _, ok := s.registry.Get(allocated); !ok {
		t.Errorf("Expected session %q from the handshake header to exist", allocated)
	}

	conn.Close()
}

func TestStreamMalformedFrameTolerated(t *testing.T) {
	s := newTestServer(t)
	s.config.Audio.ChunkDurationMs = 10
	s.config.Fluctuation.Enabled = false

	conn, _ := dialStream(t, s, "ws-malformed")

	// Garbage first; the stream must survive it.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad}); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	chunkSize := s.config.Audio.ChunkSamples()
	pcm := audio.Float32ToPCM16(make([]float32, chunkSize))
	frame, _ := protocol.EncodeAudioFrame(0, pcm)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	end, _ := protocol.EncodeControlFrame(1, protocol.ControlEndOfStream)
	if err := conn.WriteMessage(websocket.BinaryMessage, end); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	gotAudio := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		parsed, err := protocol.ParseFrame(data)
		if err != nil {
			continue
		}
		if parsed.Audio != nil {
			gotAudio = true
		}
		if parsed.Control != nil && parsed.Control.EndOfStream() {
			break
		}
	}
	if !gotAudio {
		t.Error("Expected the valid frame to be processed after the malformed one")
	}
}

func TestStreamResetControl(t *testing.T) {
	s := newTestServer(t)
	s.config.Audio.ChunkDurationMs = 10

	conn, _ := dialStream(t, s, "ws-reset")

	// Create drift by streaming one chunk.
	chunkSize := s.config.Audio.ChunkSamples()
	pcm := audio.Float32ToPCM16(make([]float32, chunkSize))
	frame, _ := protocol.EncodeAudioFrame(0, pcm)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := s.registry.Get("ws-reset"); ok && sess.Engine.Applied() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	reset, _ := protocol.EncodeControlFrame(1, protocol.ControlReset)
	if err := conn.WriteMessage(websocket.BinaryMessage, reset); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	// Factors return to neutral once the reset lands.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, ok := s.registry.Get("ws-reset")
		if ok {
			f := sess.Engine.Current()
			if f.Pitch == 1.0 && f.Volume == 1.0 && f.Tone == 1.0 {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("Expected factors to return to neutral after reset control frame")
}

func TestHubRegisterUnregister(t *testing.T) {
	h := NewHub(nil)

	if h.Count() != 0 {
		t.Fatalf("Expected empty hub, got %d", h.Count())
	}

	h.Register("a", nil, func() {})
	if h.Count() != 1 {
		t.Errorf("Expected 1 stream, got %d", h.Count())
	}

	h.Unregister("a")
	if h.Count() != 0 {
		t.Errorf("Expected empty hub after unregister, got %d", h.Count())
	}
}
