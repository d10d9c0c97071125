package pool

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CooldownReason categorizes why a credential is temporarily out of
// rotation. Long reasons also break user affinity bindings.
type CooldownReason string

const (
	CooldownRateLimited        CooldownReason = "rate_limit_exceeded"
	CooldownServerError        CooldownReason = "server_error"
	CooldownModelUnavailable   CooldownReason = "model_unavailable"
	CooldownTokenRefreshFailed CooldownReason = "token_refresh_failed"
	CooldownNetworkError       CooldownReason = "network_error"
)

// Duration returns how long the reason keeps a credential out of rotation.
func (r CooldownReason) Duration() time.Duration {
	switch r {
	case CooldownRateLimited:
		return 60 * time.Second
	case CooldownServerError:
		return 30 * time.Second
	case CooldownModelUnavailable:
		return 5 * time.Minute
	case CooldownTokenRefreshFailed:
		return 5 * time.Minute
	case CooldownNetworkError:
		return 10 * time.Second
	default:
		return 30 * time.Second
	}
}

// Long reports whether the cooldown outlasts a transient blip. Affinity
// rebinding treats long cooldowns as a reason to move the user elsewhere.
func (r CooldownReason) Long() bool {
	return r != CooldownNetworkError
}

type cooldownEntry struct {
	reason CooldownReason
	until  time.Time
}

// CooldownManager tracks temporary per-credential exclusions.
type CooldownManager struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[uint64]cooldownEntry
}

// NewCooldownManager builds an empty cooldown table on the given clock.
func NewCooldownManager(clock clockwork.Clock) *CooldownManager {
	return &CooldownManager{
		clock:   clock,
		entries: make(map[uint64]cooldownEntry),
	}
}

// Set puts the credential in cooldown for the reason's duration and
// returns the duration applied. A shorter cooldown never truncates a
// longer one already in place.
func (m *CooldownManager) Set(id uint64, reason CooldownReason) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := reason.Duration()
	until := m.clock.Now().Add(d)
	if existing, ok := m.entries[id]; ok && existing.until.After(until) {
		return existing.until.Sub(m.clock.Now())
	}
	m.entries[id] = cooldownEntry{reason: reason, until: until}
	return d
}

// Check returns the remaining cooldown and its reason, if any.
func (m *CooldownManager) Check(id uint64) (time.Duration, CooldownReason, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return 0, "", false
	}
	remaining := e.until.Sub(m.clock.Now())
	if remaining <= 0 {
		delete(m.entries, id)
		return 0, "", false
	}
	return remaining, e.reason, true
}

// Clear removes any cooldown on the credential.
func (m *CooldownManager) Clear(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// CleanupExpired drops finished cooldowns and returns how many were removed.
func (m *CooldownManager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for id, e := range m.entries {
		if !e.until.After(now) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}
