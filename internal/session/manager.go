package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"drover/internal/apperr"
	"drover/internal/browser"
	"drover/internal/config"
	"drover/internal/logging"
	"drover/internal/observability"
	"drover/internal/snapshot"
)

// Manager creates, resolves, and reaps sessions. Creation is gated by the
// configured concurrency cap; resolution of an unknown id is the transport's
// decision, not the manager's.
type Manager struct {
	driver  browser.Driver
	cfg     config.SessionConfig
	log     logging.Logger
	metrics *observability.MetricsCollector

	mu       sync.Mutex
	sessions map[string]*Session
	seed     *browser.StorageState
}

// NewManager creates a session manager over a driver.
func NewManager(driver browser.Driver, cfg config.SessionConfig, log logging.Logger, metrics *observability.MetricsCollector) *Manager {
	return &Manager{
		driver:   driver,
		cfg:      cfg,
		log:      logging.OrNop(log),
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// SeedStorageState makes every new session's browser context start from the
// given cookies and localStorage, as loaded from a storage-state.json file.
func (m *Manager) SeedStorageState(state *browser.StorageState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seed = state
}

// Get resolves an existing session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Create allocates a new session with a fresh browser context. Fails with an
// exhausted error at the concurrency cap.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxConcurrent {
		n := len(m.sessions)
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindExhausted, "max concurrent sessions reached (%d)", n).
			WithDetail("maxConcurrentSessions", m.cfg.MaxConcurrent)
	}
	// Reserve the slot before the slow context creation.
	id := uuid.NewString()
	m.sessions[id] = nil
	seed := m.seed
	m.mu.Unlock()

	bctx, err := m.driver.NewContext(ctx, browser.ContextOptions{StorageState: seed})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, err
	}

	s := &Session{
		ID:           id,
		CreatedAt:    time.Now(),
		Context:      bctx,
		Snapshots:    snapshot.NewRegistry(),
		Console:      NewRing[browser.ConsoleMessage](m.cfg.BufferSize),
		Network:      NewRing[browser.NetworkRequest](m.cfg.BufferSize),
		lastActivity: time.Now(),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.IncrementActiveSessions(ctx)
	m.log.Info("session %s created", id)
	return s, nil
}

// Close tears one session down and frees its slot.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok || s == nil {
		return nil
	}
	err := s.Close()
	m.metrics.DecrementActiveSessions(context.Background())
	m.log.Info("session %s closed", id)
	return err
}

// List returns a copy of all live sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Count reports how many sessions are live.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IdleTimeout returns the configured idle threshold.
func (m *Manager) IdleTimeout() time.Duration {
	return time.Duration(m.cfg.TimeoutMs) * time.Millisecond
}

// SweepIdle closes sessions idle longer than the configured threshold and
// returns how many were reaped. A zero threshold disables sweeping.
func (m *Manager) SweepIdle() int {
	threshold := m.IdleTimeout()
	if threshold <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-threshold)

	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s != nil && s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.log.Info("session %s idle past %s, reaping", id, threshold)
		if err := m.Close(id); err != nil {
			m.log.Warn("session %s teardown: %v", id, err)
		}
	}
	return len(stale)
}

// CloseAll tears down every session, used at broker shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Close(id); err != nil {
			m.log.Warn("session %s teardown: %v", id, err)
		}
	}
}
