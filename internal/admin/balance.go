package admin

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// BalanceResponse is the GET /credentials/:id/balance payload, derived
// from the credential's getUsageLimits credit row.
type BalanceResponse struct {
	ID                uint64  `json:"id"`
	SubscriptionTitle string  `json:"subscriptionTitle,omitempty"`
	CurrentUsage      float64 `json:"currentUsage"`
	UsageLimit        float64 `json:"usageLimit"`
	Remaining         float64 `json:"remaining"`
	UsagePercentage   float64 `json:"usagePercentage"`
	NextResetAt       string  `json:"nextResetAt,omitempty"`
}

// cachedBalance is one file cache entry. CachedAt is unix seconds.
type cachedBalance struct {
	CachedAt int64           `json:"cachedAt"`
	Data     BalanceResponse `json:"data"`
}

func (e *cachedBalance) fresh(now time.Time) bool {
	return now.Unix()-e.CachedAt < int64(config.AdminBalanceCacheTTL/time.Second)
}

// balanceFileCache keeps recent balance responses across restarts so a
// page reload does not hammer getUsageLimits. Disk keys are strings so the
// JSON object round-trips.
type balanceFileCache struct {
	clock clockwork.Clock
	path  string

	mu      sync.Mutex
	entries map[uint64]cachedBalance
}

// newBalanceFileCache loads the cache file, dropping expired entries and
// keys that do not parse as credential ids. A missing or corrupt file
// reads as empty.
func newBalanceFileCache(path string, clock clockwork.Clock) *balanceFileCache {
	c := &balanceFileCache{
		clock:   clock,
		path:    path,
		entries: make(map[uint64]cachedBalance),
	}
	c.load()
	return c
}

func (c *balanceFileCache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var raw map[string]cachedBalance
	if err := json.Unmarshal(data, &raw); err != nil {
		utils.Warn("[Admin] Ignoring unreadable balance cache %s: %v", c.path, err)
		return
	}
	now := c.clock.Now()
	for key, e := range raw {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil || !e.fresh(now) {
			continue
		}
		c.entries[id] = e
	}
}

// Get returns the cached balance when it is still within the TTL.
func (c *balanceFileCache) Get(id uint64) (BalanceResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || !e.fresh(c.clock.Now()) {
		return BalanceResponse{}, false
	}
	return e.Data, true
}

// Put stores a fresh balance and persists the cache.
func (c *balanceFileCache) Put(id uint64, data BalanceResponse) {
	c.mu.Lock()
	c.entries[id] = cachedBalance{CachedAt: c.clock.Now().Unix(), Data: data}
	c.mu.Unlock()
	c.save()
}

// Remove drops a deleted credential's entry and persists the cache.
func (c *balanceFileCache) Remove(id uint64) {
	c.mu.Lock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()
	if ok {
		c.save()
	}
}

// save snapshots the map under the lock, then marshals and writes outside
// it. Failures are logged; the in-memory cache stays authoritative.
func (c *balanceFileCache) save() {
	if c.path == "" {
		return
	}
	c.mu.Lock()
	out := make(map[string]cachedBalance, len(c.entries))
	for id, e := range c.entries {
		out[strconv.FormatUint(id, 10)] = e
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		utils.Warn("[Admin] Marshal balance cache: %v", err)
		return
	}
	if err := utils.AtomicWriteFile(c.path, data, 0o600); err != nil {
		utils.Warn("[Admin] Write balance cache: %v", err)
	}
}

// GetBalance handles GET /credentials/:id/balance, answering from the file
// cache when fresh and querying getUsageLimits otherwise.
func (s *Service) GetBalance(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	if _, ok := s.pool.CredentialSnapshot(id); !ok {
		respondError(c, http.StatusNotFound, errNotFound, "credential %d not found", id)
		return
	}
	if cached, ok := s.balances.Get(id); ok {
		utils.Debug("[Admin] Balance for credential %d served from cache", id)
		c.JSON(http.StatusOK, cached)
		return
	}

	balance, err := s.fetchBalance(c.Request.Context(), id)
	if err != nil {
		status, errType := classifyFetchError(err)
		respondError(c, status, errType, "%v", err)
		return
	}
	s.balances.Put(id, balance)
	c.JSON(http.StatusOK, balance)
}

// fetchBalance queries getUsageLimits for the credential and mirrors the
// remaining figure into the pool's selection cache.
func (s *Service) fetchBalance(ctx context.Context, id uint64) (BalanceResponse, error) {
	limits, err := s.engine.FetchUsageLimits(ctx, id)
	if err != nil {
		return BalanceResponse{}, err
	}

	current := limits.CurrentUsage()
	limit := limits.UsageLimit()
	pct := 0.0
	if limit > 0 {
		pct = math.Min(current/limit*100, 100)
	}
	s.pool.UpdateBalance(id, limits.Remaining())

	return BalanceResponse{
		ID:                id,
		SubscriptionTitle: limits.SubscriptionTitle(),
		CurrentUsage:      current,
		UsageLimit:        limit,
		Remaining:         limits.Remaining(),
		UsagePercentage:   pct,
		NextResetAt:       limits.NextDateReset,
	}, nil
}

// CachedBalances handles GET /balances, listing the pool's balance cache.
func (s *Service) CachedBalances(c *gin.Context) {
	balances := s.pool.CachedBalances()
	sort.Slice(balances, func(i, j int) bool { return balances[i].ID < balances[j].ID })
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}
