package pool

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
)

type affinityBinding struct {
	credentialID uint64
	lastUsed     time.Time
}

// AffinityMap pins a caller to the credential that served it so multi-turn
// conversations keep hitting the same upstream identity. Bindings expire
// after a sliding TTL and are lazily dropped on read.
type AffinityMap struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	ttl      time.Duration
	bindings map[string]affinityBinding
}

// NewAffinityMap builds an empty affinity table on the given clock.
func NewAffinityMap(clock clockwork.Clock) *AffinityMap {
	return &AffinityMap{
		clock:    clock,
		ttl:      config.AffinityTTL,
		bindings: make(map[string]affinityBinding),
	}
}

// Get returns the credential bound to the user, if the binding is still
// fresh. Expired bindings are removed. Reading does not slide the TTL;
// only Bind does, after the credential actually served a request.
func (a *AffinityMap) Get(userID string) (uint64, bool) {
	if userID == "" {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.bindings[userID]
	if !ok {
		return 0, false
	}
	if a.clock.Now().Sub(b.lastUsed) > a.ttl {
		delete(a.bindings, userID)
		return 0, false
	}
	return b.credentialID, true
}

// Bind records that the credential served the user, sliding the TTL.
func (a *AffinityMap) Bind(userID string, credentialID uint64) {
	if userID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bindings[userID] = affinityBinding{credentialID: credentialID, lastUsed: a.clock.Now()}
}

// Drop removes the user's binding.
func (a *AffinityMap) Drop(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bindings, userID)
}

// DropCredential removes every binding to the credential, typically after
// it failed or was disabled.
func (a *AffinityMap) DropCredential(credentialID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for user, b := range a.bindings {
		if b.credentialID == credentialID {
			delete(a.bindings, user)
		}
	}
}

// CleanupExpired drops stale bindings and returns how many were removed.
func (a *AffinityMap) CleanupExpired() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	removed := 0
	for user, b := range a.bindings {
		if now.Sub(b.lastUsed) > a.ttl {
			delete(a.bindings, user)
			removed++
		}
	}
	return removed
}
