// Package session implements the Session Manager (Component C, §4.3): a
// process-wide map from user email to a live Session owning Graph clients,
// with TTL-based idle eviction.
package session

import (
	"context"
	"sync"
	"time"

	"worker_server/core/port/out"
)

// Session is the in-memory association between a user email and its owned
// Graph client, bumped on every tool invocation (§3).
type Session struct {
	UserEmail   string
	CreatedAt   time.Time
	LastAccess  time.Time
	AccessToken string // mirror of the current TokenRecord.AccessToken
	Initialized bool
	Active      bool

	mu     sync.RWMutex
	client out.GraphClient
}

// Client returns the owned GraphClient, creating nothing — callers get this
// only after the Session Manager has initialized the session.
func (s *Session) Client() out.GraphClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// replaceToken atomically swaps the token reference; per §9 "Session-shared
// mutable access-token fields" no component mutates a token in place.
func (s *Session) replaceToken(token string) {
	s.mu.Lock()
	s.AccessToken = token
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastAccess = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.LastAccess)
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.Active = false
}

// DefaultTTL is the idle eviction window (§4.3).
const DefaultTTL = 30 * time.Minute

// DefaultCleanupInterval is how often the background sweep runs (§4.3).
const DefaultCleanupInterval = 5 * time.Minute

// Manager owns the process-wide email → Session map. The manager mutex is
// held only across map reads/writes, never across I/O (§4.3, §5).
type Manager struct {
	mu              sync.RWMutex
	sessions        map[string]*Session
	ttl             time.Duration
	cleanupInterval time.Duration
	clientFactory   out.GraphClientFactory
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// NewManager creates a Session Manager with the spec's default TTL and
// cleanup interval, using factory to construct a GraphClient for a freshly
// created Session.
func NewManager(factory out.GraphClientFactory) *Manager {
	return NewManagerWithConfig(factory, DefaultTTL, DefaultCleanupInterval)
}

// NewManagerWithConfig allows overriding the TTL/cleanup interval defaults.
func NewManagerWithConfig(factory out.GraphClientFactory, ttl, cleanupInterval time.Duration) *Manager {
	m := &Manager{
		sessions:        make(map[string]*Session),
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		clientFactory:   factory,
		stopCh:          make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// GetOrCreateSession returns an existing, non-expired session for email
// (bumping its last-access) or creates one, binding accessToken as the
// session's initial token (§4.3 get_or_create_session).
func (m *Manager) GetOrCreateSession(ctx context.Context, email, accessToken string) (*Session, error) {
	m.mu.RLock()
	existing, ok := m.sessions[email]
	m.mu.RUnlock()
	if ok {
		if existing.idleSince(time.Now()) <= m.ttl {
			existing.touch()
			return existing, nil
		}
		// Idle past the TTL but not yet reaped by the cleanup sweep; evict
		// it now rather than hand back a stale session.
		m.mu.Lock()
		if cur, stillThere := m.sessions[email]; stillThere && cur == existing {
			delete(m.sessions, email)
		}
		m.mu.Unlock()
		existing.close()
	}

	client, err := m.clientFactory(ctx, email, accessToken)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		UserEmail:   email,
		CreatedAt:   now,
		LastAccess:  now,
		AccessToken: accessToken,
		Initialized: true,
		Active:      true,
		client:      client,
	}

	m.mu.Lock()
	if existing, ok := m.sessions[email]; ok {
		// Lost the race to another caller; drop the client we just built.
		m.mu.Unlock()
		client.Close()
		existing.touch()
		return existing, nil
	}
	m.sessions[email] = sess
	m.mu.Unlock()

	return sess, nil
}

// GetSession is the non-creating variant (§4.3 get_session).
func (m *Manager) GetSession(email string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[email]
}

// RefreshToken atomically swaps the session's mirrored access token, e.g.
// after the Auth Service refreshes it (§9).
func (m *Manager) RefreshToken(email, newToken string) {
	m.mu.RLock()
	sess, ok := m.sessions[email]
	m.mu.RUnlock()
	if ok {
		sess.replaceToken(newToken)
	}
}

// InvalidateSession closes owned resources and removes the entry (§4.3
// invalidate_session). Safe to call even if no session exists.
func (m *Manager) InvalidateSession(email string) {
	m.mu.Lock()
	sess, ok := m.sessions[email]
	if ok {
		delete(m.sessions, email)
	}
	m.mu.Unlock()

	if ok {
		sess.close()
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// cleanup snapshot-evicts expired sessions outside the manager lock so the
// expensive Close() calls never block a concurrent get_or_create/get (§4.3).
func (m *Manager) cleanup() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Session
	for email, sess := range m.sessions {
		if sess.idleSince(now) > m.ttl {
			expired = append(expired, sess)
			delete(m.sessions, email)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		sess.close()
	}
}

// Stop cancels the cleanup goroutine and closes every live session,
// draining in-flight closures (§5 "must drain in-flight closures on
// shutdown").
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for email, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, email)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}
