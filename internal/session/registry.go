package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kako-jun/makebeliv/internal/fluctuation"
	"github.com/kako-jun/makebeliv/internal/metrics"
)

// ErrSessionNotFound is returned by Reset for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// Session is the unit of continuity across chunks belonging to one
// ongoing conversion. It owns exactly one fluctuation engine; chunks
// hold only the session id, never the session itself.
type Session struct {
	ID        string
	Engine    *fluctuation.Engine
	CreatedAt time.Time

	lastUsed time.Time
	mu       sync.Mutex
}

// Touch records activity, deferring idle eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// LastUsed returns the time of the most recent activity.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Info is a monitoring snapshot of one session.
type Info struct {
	ID            string              `json:"id"`
	CreatedAt     time.Time           `json:"created_at"`
	LastUsed      time.Time           `json:"last_used"`
	ChunksApplied uint64              `json:"chunks_applied"`
	Factors       fluctuation.Factors `json:"factors"`
}

// Registry is the process-wide table mapping session ids to their
// fluctuation state. Sessions are created lazily on first use, reset
// explicitly, and evicted after idling past the configured threshold.
// The registry's lifetime spans the life of the serving process; Stop
// is its teardown hook.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics

	idleTimeout   time.Duration
	checkInterval time.Duration

	created uint64
	evicted uint64

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewRegistry creates a registry and starts its idle-eviction routine.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics, idleTimeout, checkInterval time.Duration) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		sessions:      make(map[string]*Session),
		logger:        logger,
		metrics:       m,
		idleTimeout:   idleTimeout,
		checkInterval: checkInterval,
		ctx:           ctx,
		cancel:        cancel,
		cleanup:       make(chan struct{}),
	}

	go r.cleanupRoutine()

	return r
}

// GetOrCreate returns the session for id, creating it with the given
// fluctuation config on first use. Config validation failure is the
// only error and is fatal for the creation attempt, never for existing
// sessions.
func (r *Registry) GetOrCreate(id string, config fluctuation.Config) (*Session, error) {
	r.mu.RLock()
	session, exists := r.sessions[id]
	r.mu.RUnlock()

	if exists {
		session.Touch()
		return session, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the write lock; another goroutine may have won.
	if session, exists := r.sessions[id]; exists {
		session.Touch()
		return session, nil
	}

	engine, err := fluctuation.NewEngine(id, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", id, err)
	}

	now := time.Now()
	session = &Session{
		ID:        id,
		Engine:    engine,
		CreatedAt: now,
		lastUsed:  now,
	}
	r.sessions[id] = session
	r.created++
	r.metrics.RecordSessionCreated()

	r.logger.Info("Session created",
		slog.String("session_id", id),
		slog.Int("active_sessions", len(r.sessions)),
	)

	return session, nil
}

// Get returns the session for id without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	return session, exists
}

// Reset discards the session's fluctuation drift, restoring neutral
// factors for the next chunk. An in-flight chunk already holding the
// session keeps its pre-reset factors; only subsequent chunks see the
// fresh state.
func (r *Registry) Reset(id string) error {
	r.mu.RLock()
	session, exists := r.sessions[id]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("reset %s: %w", id, ErrSessionNotFound)
	}

	session.Engine.Reset()
	session.Touch()

	r.logger.Info("Session reset", slog.String("session_id", id))

	return nil
}

// Remove deletes a session outright, reclaiming its state.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return false
	}

	delete(r.sessions, id)
	return true
}

// EvictIdle removes sessions unused for longer than olderThan and
// returns how many were evicted.
func (r *Registry) EvictIdle(olderThan time.Duration) int {
	now := time.Now()

	r.mu.RLock()
	var expired []string
	for id, session := range r.sessions {
		if now.Sub(session.LastUsed()) > olderThan {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	r.mu.Lock()
	evicted := 0
	for _, id := range expired {
		session, exists := r.sessions[id]
		if !exists {
			continue
		}
		// Activity may have arrived between the scan and the lock.
		if now.Sub(session.LastUsed()) <= olderThan {
			continue
		}
		delete(r.sessions, id)
		evicted++
		r.evicted++
	}
	r.mu.Unlock()

	if evicted > 0 {
		r.metrics.RecordSessionsEvicted(evicted)
		r.logger.Info("Evicted idle sessions",
			slog.Int("evicted", evicted),
			slog.Duration("idle_threshold", olderThan),
		)
	}

	return evicted
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats reports lifetime registry counters.
func (r *Registry) Stats() (active int, created, evicted uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), r.created, r.evicted
}

// Infos returns monitoring snapshots of all active sessions.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, session := range r.sessions {
		infos = append(infos, Info{
			ID:            session.ID,
			CreatedAt:     session.CreatedAt,
			LastUsed:      session.LastUsed(),
			ChunksApplied: session.Engine.Applied(),
			Factors:       session.Engine.Current(),
		})
	}

	return infos
}

// Stop terminates the eviction routine and waits for it to finish.
func (r *Registry) Stop() {
	r.cancel()
	<-r.cleanup

	r.logger.Info("Session registry stopped",
		slog.Int("remaining_sessions", r.Count()),
	)
}

// cleanupRoutine periodically evicts idle sessions until Stop.
func (r *Registry) cleanupRoutine() {
	defer close(r.cleanup)

	if r.checkInterval <= 0 {
		r.checkInterval = 30 * time.Second
	}

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if r.idleTimeout > 0 {
				r.EvictIdle(r.idleTimeout)
			}
		}
	}
}
