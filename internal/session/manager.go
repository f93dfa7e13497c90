package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ForceEndFunc is invoked by the reaper for each stale session it
// terminates, after the session has been transitioned to Error and
// persisted. The runtime wires this to slot release and call
// finalization.
type ForceEndFunc func(ctx context.Context, s *Session)

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	// Store is the distributed session store.
	Store Store

	// TTL is the maximum session age before the reaper force-ends it.
	// Matches the store entry TTL.
	TTL time.Duration

	// CleanupInterval is the reaper tick cadence.
	CleanupInterval time.Duration

	// OnForceEnd is called for every reaped session. May be nil.
	OnForceEnd ForceEndFunc
}

// Manager owns session lifecycle for this process: a local hot cache for
// fast access plus write-through to the distributed store so replicas
// share state. All exported methods are safe for concurrent use.
type Manager struct {
	store           Store
	ttl             time.Duration
	cleanupInterval time.Duration
	onForceEnd      ForceEndFunc

	mu    sync.RWMutex
	cache map[string]*Session

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Manager{
		store:           cfg.Store,
		ttl:             cfg.TTL,
		cleanupInterval: cfg.CleanupInterval,
		onForceEnd:      cfg.OnForceEnd,
		cache:           make(map[string]*Session),
		done:            make(chan struct{}),
	}
}

// Create validates spec, assigns a fresh session id, and persists the new
// session in the Initializing state.
func (m *Manager) Create(ctx context.Context, spec Spec) (*Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		ID:        uuid.NewString(),
		Spec:      spec,
		Status:    StatusInitializing,
		StartedAt: time.Now().UTC(),
	}

	if err := m.store.Put(ctx, s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[s.ID] = s
	m.mu.Unlock()

	slog.Info("session created",
		"session_id", s.ID,
		"tenant_id", spec.TenantID,
		"call_id", spec.CallID,
		"stt", spec.STT.Provider,
		"llm", spec.LLM.Provider,
		"tts", spec.TTS.Provider,
	)
	return s, nil
}

// Get returns the session for id, preferring the local hot cache and
// falling back to the distributed store. Returns [ErrNotFound] when the
// session does not exist anywhere.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[id] = s
	m.mu.Unlock()
	return s, nil
}

// Update writes the session through to the store and refreshes the hot
// cache. Last-writer-wins per session id; under normal operation the
// owning orchestrator is the only writer.
func (m *Manager) Update(ctx context.Context, s *Session) error {
	if err := m.store.Put(ctx, s); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[s.ID] = s
	m.mu.Unlock()
	return nil
}

// End transitions the session through Ending to Ended with the given
// reason, persists the terminal state, and evicts it from the hot cache.
// Ending an already-terminal session is a no-op that returns the stored
// session unchanged.
func (m *Manager) End(ctx context.Context, id, reason string) (*Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return s, nil
	}

	if s.Status == StatusInitializing {
		if err := s.Transition(StatusActive); err != nil {
			return nil, err
		}
	}
	if s.Status == StatusActive {
		if err := s.Transition(StatusEnding); err != nil {
			return nil, err
		}
	}
	if err := s.Transition(StatusEnded); err != nil {
		return nil, err
	}
	s.EndReason = reason

	if err := m.store.Put(ctx, s); err != nil {
		return nil, err
	}
	m.evict(id)

	slog.Info("session ended",
		"session_id", id,
		"tenant_id", s.Spec.TenantID,
		"reason", reason,
		"duration", s.Metrics.Duration,
		"turns", s.Metrics.TurnCount,
	)
	return s, nil
}

// Fail marks the session as Error with the given reason, persists it,
// and evicts it from the hot cache.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return s, nil
	}

	if err := s.Transition(StatusError); err != nil {
		return nil, err
	}
	s.EndReason = reason

	if err := m.store.Put(ctx, s); err != nil {
		return nil, err
	}
	m.evict(id)

	slog.Warn("session failed",
		"session_id", id,
		"tenant_id", s.Spec.TenantID,
		"reason", reason,
	)
	return s, nil
}

// Delete removes the session from the cache and the store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.evict(id)
	return m.store.Delete(ctx, id)
}

// ListByTenant returns all stored sessions for a tenant. Entries whose
// store record expired between index read and fetch are skipped.
func (m *Manager) ListByTenant(ctx context.Context, tenantID string) ([]*Session, error) {
	ids, err := m.store.ListIDsByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := m.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Count returns the number of non-terminal sessions for a tenant.
func (m *Manager) Count(ctx context.Context, tenantID string) (int, error) {
	sessions, err := m.ListByTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if !s.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// ReapStale force-ends every cached session whose age exceeds the TTL.
// Reaped sessions are failed with reason "timeout" and handed to the
// OnForceEnd callback so the runtime can release their admission slot
// and finalize the call. Returns the number of sessions reaped.
func (m *Manager) ReapStale(ctx context.Context) int {
	m.mu.RLock()
	var stale []*Session
	for _, s := range m.cache {
		if !s.Status.IsTerminal() && s.Age() > m.ttl {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		slog.Warn("reaping stale session",
			"session_id", s.ID,
			"tenant_id", s.Spec.TenantID,
			"age", s.Age(),
			"ttl", m.ttl,
		)
		reaped, err := m.Fail(ctx, s.ID, EndReasonTimeout)
		if err != nil {
			slog.Error("stale session reap failed", "session_id", s.ID, "err", err)
			continue
		}
		if m.onForceEnd != nil {
			m.onForceEnd(ctx, reaped)
		}
	}
	return len(stale)
}

// Start launches the background reaper. Call [Manager.Stop] to halt it.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ReapStale(context.Background())
			case <-m.done:
				return
			}
		}
	}()
}

// Stop halts the reaper and waits for it to exit. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Close stops the reaper and closes the underlying store.
func (m *Manager) Close() error {
	m.Stop()
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("session: close store: %w", err)
	}
	return nil
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
}
