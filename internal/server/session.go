package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshard/blockserver/internal/cache"
	"github.com/swarmshard/blockserver/internal/logger"
	"github.com/swarmshard/blockserver/internal/metrics"
)

// session binds one client's multi-step decoding conversation to its cache
// handle. The handle lives until the session closes or goes idle past the
// timeout.
type session struct {
	id         string
	handle     *cache.Handle
	batchSize  int
	maxLength  int
	lastActive time.Time
}

// SessionManager tracks open sessions and reclaims abandoned cache handles.
// All regions a session holds are guaranteed to return to the free pool on
// close or expiry, including abnormal client termination.
type SessionManager struct {
	alloc       *cache.Allocator
	descriptors func(batchSize, maxLength int) map[int][]cache.Descriptor
	allocTO     time.Duration
	idleTO      time.Duration
	log         *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessionManager(alloc *cache.Allocator, descriptors func(batchSize, maxLength int) map[int][]cache.Descriptor, allocTimeout, idleTimeout time.Duration) *SessionManager {
	return &SessionManager{
		alloc:       alloc,
		descriptors: descriptors,
		allocTO:     allocTimeout,
		idleTO:      idleTimeout,
		log:         logger.Log.Named("sessions"),
		sessions:    make(map[string]*session),
	}
}

// Open allocates cache for a new session across every hosted block and
// returns the session id. An empty id gets a generated one.
func (m *SessionManager) Open(ctx context.Context, id string, batchSize, maxLength int) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("session %s already open", id)
	}
	m.mu.Unlock()

	handle, err := m.alloc.Allocate(ctx, m.descriptors(batchSize, maxLength), m.allocTO)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	// Recheck under the lock: a concurrent Open of the same id may have won
	// while this one waited in Allocate. The loser must return its handle or
	// the winner's regions leak.
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		handle.Release()
		return "", fmt.Errorf("session %s already open", id)
	}
	m.sessions[id] = &session{
		id:         id,
		handle:     handle,
		batchSize:  batchSize,
		maxLength:  maxLength,
		lastActive: time.Now(),
	}
	count := len(m.sessions)
	m.mu.Unlock()
	metrics.SessionsActive.Set(float64(count))
	m.log.Info("session opened", "session", id, "batch", batchSize, "max_length", maxLength)
	return id, nil
}

// Handle returns the cache handle of an open session, marking it active.
func (m *SessionManager) Handle(id string) (*cache.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", id)
	}
	s.lastActive = time.Now()
	return s.handle, nil
}

// Close releases the session's cache handle. Closing an unknown or already
// closed session is a no-op.
func (m *SessionManager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.handle.Release()
	metrics.SessionsActive.Set(float64(count))
	m.log.Info("session closed", "session", id)
}

// CloseAll releases every open session.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
	for _, s := range all {
		s.handle.Release()
	}
	metrics.SessionsActive.Set(0)
}

// Run sweeps idle sessions until ctx is done.
func (m *SessionManager) Run(ctx context.Context) error {
	interval := m.idleTO / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.expireIdle(time.Now())
		}
	}
}

func (m *SessionManager) expireIdle(now time.Time) {
	m.mu.Lock()
	var expired []*session
	for id, s := range m.sessions {
		if now.Sub(s.lastActive) > m.idleTO {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()
	for _, s := range expired {
		s.handle.Release()
		metrics.SessionsExpired.Inc()
		m.log.Warn("session expired", "session", s.id, "idle_timeout", m.idleTO)
	}
	if len(expired) > 0 {
		metrics.SessionsActive.Set(float64(count))
	}
}

// Count returns the number of open sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
