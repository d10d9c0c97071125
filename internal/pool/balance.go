package pool

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
)

type balanceEntry struct {
	remaining   float64
	cachedAt    time.Time
	initialized bool
	recentUsage int
	windowStart time.Time
}

// usageIn returns the usage count for the current window, treating an
// elapsed window as empty without mutating the entry.
func (e *balanceEntry) usageIn(now time.Time) int {
	if e.windowStart.IsZero() || now.Sub(e.windowStart) > config.BalanceUsageWindow {
		return 0
	}
	return e.recentUsage
}

// ttl picks the refresh interval for the entry: nearly-exhausted balances
// barely change so they are cached for a day, hot credentials drain fast
// so they are re-checked sooner.
func (e *balanceEntry) ttl(now time.Time) time.Duration {
	switch {
	case e.remaining < 1.0:
		return config.BalanceTTLNearlyExhausted
	case e.usageIn(now) >= config.BalanceHotReadThreshold:
		return config.BalanceTTLHot
	default:
		return config.BalanceTTLDefault
	}
}

// BalanceSnapshot is a point-in-time read of one cache entry, used by
// credential selection.
type BalanceSnapshot struct {
	Remaining   float64
	RecentUsage int
	Initialized bool
}

// CachedBalance is the admin-facing view of one cache entry.
type CachedBalance struct {
	ID         uint64  `json:"id"`
	Remaining  float64 `json:"remaining"`
	CachedAtMs int64   `json:"cachedAt"`
	TTLSeconds int64   `json:"ttlSecs"`
}

// BalanceCache holds the last known remaining balance per credential with
// a dynamic TTL. Values may be stale; selection prefers a stale reading
// over none, and the background refresher re-fetches entries past their
// TTL.
type BalanceCache struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[uint64]*balanceEntry
}

// NewBalanceCache builds an empty cache on the given clock.
func NewBalanceCache(clock clockwork.Clock) *BalanceCache {
	return &BalanceCache{
		clock:   clock,
		entries: make(map[uint64]*balanceEntry),
	}
}

// EnsureEntries creates uninitialized entries for the given ids so the
// cache tracks every pool member from load time.
func (c *BalanceCache) EnsureEntries(ids []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.entries[id]; !ok {
			c.entries[id] = &balanceEntry{}
		}
	}
}

// Update stores a freshly fetched remaining balance. NaN readings are
// stored as zero so they sort below every real balance.
func (c *BalanceCache) Update(id uint64, remaining float64) {
	if math.IsNaN(remaining) {
		remaining = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		e = &balanceEntry{}
		c.entries[id] = e
	}
	e.remaining = remaining
	e.cachedAt = c.clock.Now()
	e.initialized = true
}

// RecordUsage counts a successful call against the credential's usage
// window, rolling the window when it has elapsed.
func (c *BalanceCache) RecordUsage(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		e = &balanceEntry{}
		c.entries[id] = e
	}
	now := c.clock.Now()
	if e.windowStart.IsZero() || now.Sub(e.windowStart) > config.BalanceUsageWindow {
		e.recentUsage = 0
		e.windowStart = now
	}
	e.recentUsage++
}

// Snapshot returns the selection view of a credential's balance. Missing
// entries read as uninitialized.
func (c *BalanceCache) Snapshot(id uint64) BalanceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return BalanceSnapshot{}
	}
	return BalanceSnapshot{
		Remaining:   e.remaining,
		RecentUsage: e.usageIn(c.clock.Now()),
		Initialized: e.initialized,
	}
}

// NeedsRefresh reports whether the entry is uninitialized or older than
// its dynamic TTL.
func (c *BalanceCache) NeedsRefresh(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || !e.initialized {
		return true
	}
	now := c.clock.Now()
	return now.Sub(e.cachedAt) > e.ttl(now)
}

// Remove drops the cache entry for a deleted credential.
func (c *BalanceCache) Remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// All returns every entry for admin display, uninitialized ones with a
// zero TTL.
func (c *BalanceCache) All() []CachedBalance {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	out := make([]CachedBalance, 0, len(c.entries))
	for id, e := range c.entries {
		cb := CachedBalance{ID: id, Remaining: e.remaining}
		if e.initialized {
			cb.CachedAtMs = e.cachedAt.UnixMilli()
			cb.TTLSeconds = int64(e.ttl(now) / time.Second)
		}
		out = append(out, cb)
	}
	return out
}
