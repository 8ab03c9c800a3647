package persistence

import (
	"sync"
	"time"

	"worker_server/core/port/out"
)

// OAuthStateAdapter is an in-process, one-shot CSRF state store implementing
// out.OAuthStateStore. The source keeps this in Redis for multi-instance
// deployments; a single MCP server process has no such requirement, so a
// mutex-guarded map with lazy expiry sweeping stands in (DESIGN.md).
type OAuthStateAdapter struct {
	mu     sync.Mutex
	states map[string]time.Time // state -> expiry
}

var _ out.OAuthStateStore = (*OAuthStateAdapter)(nil)

func NewOAuthStateAdapter() *OAuthStateAdapter {
	return &OAuthStateAdapter{states: make(map[string]time.Time)}
}

// Store records state as valid until ttl elapses (§4.2 start_auth_flow).
func (a *OAuthStateAdapter) Store(state string, ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked()
	a.states[state] = time.Now().Add(ttl)
}

// ValidateAndConsume reports whether state is known and unexpired, removing
// it either way so it can never be replayed (§4.2 complete_auth_flow).
func (a *OAuthStateAdapter) ValidateAndConsume(state string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	expiry, ok := a.states[state]
	delete(a.states, state)
	if !ok {
		return false
	}
	return time.Now().Before(expiry)
}

// sweepLocked drops expired entries opportunistically; callers already hold
// a.mu. Cheap and bounded by however many states Store has accumulated.
func (a *OAuthStateAdapter) sweepLocked() {
	now := time.Now()
	for s, exp := range a.states {
		if now.After(exp) {
			delete(a.states, s)
		}
	}
}
