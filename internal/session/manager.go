package session

import (
	"sync"
	"time"
)

// minCleanupInterval is the smallest allowed TTL to prevent degenerate ticker intervals.
const minCleanupInterval = time.Millisecond

// Manager is a thread-safe in-memory session registry with TTL eviction.
// NOT designed for multi-replica deployments; matches the single-process
// architecture of the gateway.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration // inactivity TTL, e.g. 30 minutes
	done     chan struct{} // closed by Close() to stop the cleanup goroutine
}

// NewManager creates a Manager with the given inactivity TTL.
// A background goroutine is started to periodically evict expired sessions.
// Call Close() when the manager is no longer needed to stop the goroutine.
func NewManager(ttl time.Duration) *Manager {
	if ttl < minCleanupInterval {
		ttl = minCleanupInterval
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		done:     make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Create registers a fresh session for the given user.
func (m *Manager) Create(user string) *Session {
	sess := New(user)
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Remove tears down a session, e.g. when its connection closes.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		sess.Close()
		delete(m.sessions, id)
	}
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of all registered sessions. Intended for admin
// reads; the snapshot may be stale by the time it is inspected.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (m *Manager) Close() {
	select {
	case <-m.done:
		// already closed
	default:
		close(m.done)
	}
}

// cleanupLoop periodically removes sessions that have exceeded the TTL.
func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.ttl)
			m.mu.Lock()
			for id, sess := range m.sessions {
				if sess.LastUsed().Before(cutoff) {
					sess.Close()
					delete(m.sessions, id)
				}
			}
			m.mu.Unlock()
		}
	}
}
