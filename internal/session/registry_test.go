package session

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kako-jun/makebeliv/internal/fluctuation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(testLogger(), nil, time.Minute, time.Hour)
	t.Cleanup(r.Stop)
	return r
}

func TestGetOrCreateNew(t *testing.T) {
	r := newTestRegistry(t)

	s, err := r.GetOrCreate("session-1", fluctuation.DefaultConfig())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if s.ID != "session-1" {
		t.Errorf("Expected session id session-1, got %s", s.ID)
	}
	if s.Engine == nil {
		t.Error("Expected session to carry an engine")
	}
	if r.Count() != 1 {
		t.Errorf("Expected 1 session, got %d", r.Count())
	}
}

func TestGetOrCreateExisting(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.GetOrCreate("session-1", fluctuation.DefaultConfig())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	b, err := r.GetOrCreate("session-1", fluctuation.DefaultConfig())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if a != b {
		t.Error("Expected the same session on repeat lookup")
	}
	if r.Count() != 1 {
		t.Errorf("Expected 1 session, got %d", r.Count())
	}
}

func TestGetOrCreateInvalidConfig(t *testing.T) {
	r := newTestRegistry(t)

	bad := fluctuation.DefaultConfig()
	bad.Smoothness = 1.5

	if _, err := r.GetOrCreate("session-1", bad); err == nil {
		t.Error("Expected error for invalid config")
	}
	if r.Count() != 0 {
		t.Errorf("Expected failed creation to leave no session, got %d", r.Count())
	}
}

func TestResetUnknownSession(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Reset("nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestResetRestoresNeutralState(t *testing.T) {
	r := newTestRegistry(t)

	s, err := r.GetOrCreate("session-1", fluctuation.DefaultConfig())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		s.Engine.Step()
	}

	if err := r.Reset("session-1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	f := s.Engine.Current()
	if f.Pitch != 1.0 || f.Volume != 1.0 || f.Tone != 1.0 {
		t.Errorf("Expected neutral factors after reset, got %+v", f)
	}
}

func TestSessionIsolation(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.GetOrCreate("alice", fluctuation.DefaultConfig())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	b, err := r.GetOrCreate("bob", fluctuation.DefaultConfig())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		a.Engine.Step()
	}
	bf := b.Engine.Current()
	if bf.Pitch != 1.0 || bf.Volume != 1.0 || bf.Tone != 1.0 {
		t.Errorf("Expected bob untouched by alice's steps, got %+v", bf)
	}
}

func TestEvictIdle(t *testing.T) {
	r := newTestRegistry(t)

	s, err := r.GetOrCreate("stale", fluctuation.DefaultConfig())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := r.GetOrCreate("fresh", fluctuation.DefaultConfig()); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	s.mu.Lock()
	s.lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	evicted := r.EvictIdle(time.Minute)
	if evicted != 1 {
		t.Errorf("Expected 1 eviction, got %d", evicted)
	}
	if _, ok := r.Get("stale"); ok {
		t.Error("Expected stale session to be gone")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("Expected fresh session to survive")
	}
}

func TestEvictIdleSparesActive(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.GetOrCreate("active", fluctuation.DefaultConfig()); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if evicted := r.EvictIdle(time.Minute); evicted != 0 {
		t.Errorf("Expected no evictions, got %d", evicted)
	}
}

func TestRemove(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.GetOrCreate("session-1", fluctuation.DefaultConfig()); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if !r.Remove("session-1") {
		t.Error("Expected Remove to report success")
	}
	if r.Remove("session-1") {
		t.Error("Expected second Remove to report failure")
	}
	if r.Count() != 0 {
		t.Errorf("Expected 0 sessions, got %d", r.Count())
	}
}

func TestStats(t *testing.T) {
	r := newTestRegistry(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.GetOrCreate(id, fluctuation.DefaultConfig()); err != nil {
			t.Fatalf("GetOrCreate failed: %v", err)
		}
	}

	s, _ := r.Get("a")
	s.mu.Lock()
	s.lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()
	r.EvictIdle(time.Minute)

	active, created, evicted := r.Stats()
	if active != 2 {
		t.Errorf("Expected 2 active, got %d", active)
	}
	if created != 3 {
		t.Errorf("Expected 3 created, got %d", created)
	}
	if evicted != 1 {
		t.Errorf("Expected 1 evicted, got %d", evicted)
	}
}

func TestInfos(t *testing.T) {
	r := newTestRegistry(t)

	s, err := r.GetOrCreate("session-1", fluctuation.DefaultConfig())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	s.Engine.Step()

	infos := r.Infos()
	if len(infos) != 1 {
		t.Fatalf("Expected 1 info, got %d", len(infos))
	}
	if infos[0].ID != "session-1" {
		t.Errorf("Expected id session-1, got %s", infos[0].ID)
	}
	if infos[0].Factors.Volume == 0 {
		t.Error("Expected a populated volume factor")
	}
}

func TestConcurrentGetOrCreate(t *testing.T) {
	r := newTestRegistry(t)

	done := make(chan *Session, 20)
	for i := 0; i < 20; i++ {
		go func() {
			s, err := r.GetOrCreate("shared", fluctuation.DefaultConfig())
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
			}
			done <- s
		}()
	}

	first := <-done
	for i := 1; i < 20; i++ {
		if s := <-done; s != first {
			t.Error("Expected all goroutines to see the same session")
		}
	}
	if r.Count() != 1 {
		t.Errorf("Expected 1 session, got %d", r.Count())
	}
}

func TestStopTerminatesCleanup(t *testing.T) {
	r := NewRegistry(testLogger(), nil, time.Minute, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
