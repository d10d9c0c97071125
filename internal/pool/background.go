package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirocommunity/kiro-claude-proxy/internal/auth"
	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// RefreshOutcome describes how one background refresh ended.
type RefreshOutcome int

const (
	// RefreshOutcomeRefreshed means a new token was obtained.
	RefreshOutcomeRefreshed RefreshOutcome = iota
	// RefreshOutcomeReusedCurrent means the stored token was kept, either
	// because it was still fresh or as a fallback after a failed refresh.
	RefreshOutcomeReusedCurrent
	// RefreshOutcomeFailed means the refresh failed with no usable token.
	RefreshOutcomeFailed
)

// RefreshConfig controls the proactive token refresh loop.
type RefreshConfig struct {
	CheckInterval time.Duration
	BatchSize     int
	Concurrency   int
	BeforeExpiry  time.Duration
}

// DefaultRefreshConfig returns the stock refresh loop settings.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		CheckInterval: config.RefreshCheckInterval,
		BatchSize:     config.RefreshBatchSize,
		Concurrency:   config.RefreshConcurrency,
		BeforeExpiry:  config.RefreshBeforeExpiry,
	}
}

func (c RefreshConfig) validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("refresh check interval must be positive, got %s", c.CheckInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("refresh batch size must be positive, got %d", c.BatchSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("refresh concurrency must be positive, got %d", c.Concurrency)
	}
	if c.BeforeExpiry <= 0 {
		return fmt.Errorf("refresh-before-expiry window must be positive, got %s", c.BeforeExpiry)
	}
	return nil
}

// needsProactiveRefresh reports whether the credential's token is missing,
// unusable, or expiring within the window.
func needsProactiveRefresh(c *Credential, within time.Duration) bool {
	if c.AccessToken == "" || auth.IsTruncated(c.AccessToken) {
		return true
	}
	expiring, ok := auth.ExpiringWithin(c.ExpiresAt, within)
	return !ok || expiring
}

// expiringCredentials returns enabled credentials whose tokens expire
// within the window.
func (m *Manager) expiringCredentials(within time.Duration) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []uint64
	for _, e := range m.entries {
		if e.cred.Disabled {
			continue
		}
		if needsProactiveRefresh(e.cred, within) {
			out = append(out, e.cred.ID)
		}
	}
	return out
}

// RefreshInBackground refreshes one credential for the proactive sweep.
// Unlike the interactive path, a failure while the stored token is still
// valid falls back to that token with no cooldown; a failure on an expired
// token puts the credential in token_refresh_failed cooldown and surfaces
// the error.
func (m *Manager) RefreshInBackground(ctx context.Context, id uint64, within time.Duration) (RefreshOutcome, error) {
	res, _, err := m.gate.Do(id, func() (*auth.Result, error) {
		cur, ok := m.CredentialSnapshot(id)
		if !ok {
			return nil, ErrNotFound
		}
		if !needsProactiveRefresh(&cur, within) {
			return nil, nil // an earlier flight already refreshed
		}
		return auth.Refresh(ctx, m.client, m.cfg, cur.RefreshSpec(m.cfg.MachineID))
	})
	if err == nil {
		if res == nil {
			return RefreshOutcomeReusedCurrent, nil
		}
		m.applyRefresh(id, res)
		return RefreshOutcomeRefreshed, nil
	}

	cur, ok := m.CredentialSnapshot(id)
	if ok && cur.AccessToken != "" && !auth.IsTruncated(cur.AccessToken) && !auth.IsExpired(cur.ExpiresAt) {
		utils.Warn("[Refresh] credential %d refresh failed, reusing current token until %s: %v", id, cur.ExpiresAt, err)
		return RefreshOutcomeReusedCurrent, nil
	}

	m.SetCooldown(id, CooldownTokenRefreshFailed)
	return RefreshOutcomeFailed, err
}

// Refresher proactively refreshes tokens before they expire so request
// latency never pays for a refresh round-trip.
type Refresher struct {
	pool *Manager
	cfg  RefreshConfig
}

// NewRefresher validates the loop settings and builds a refresher.
func NewRefresher(pool *Manager, cfg RefreshConfig) (*Refresher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Refresher{pool: pool, cfg: cfg}, nil
}

// Run executes the refresh loop until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := r.pool.clock.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	utils.Info("[Refresh] background refresh running every %s (window %s, batch %d, concurrency %d)",
		r.cfg.CheckInterval, r.cfg.BeforeExpiry, r.cfg.BatchSize, r.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			utils.Info("[Refresh] background refresh stopped")
			return
		case <-ticker.Chan():
			r.sweep(ctx)
		}
	}
}

// sweep refreshes one batch of soon-to-expire credentials.
func (r *Refresher) sweep(ctx context.Context) {
	ids := r.pool.expiringCredentials(r.cfg.BeforeExpiry)
	if len(ids) == 0 {
		return
	}
	if len(ids) > r.cfg.BatchSize {
		ids = ids[:r.cfg.BatchSize]
	}
	utils.Info("[Refresh] %d credentials expiring within %s", len(ids), r.cfg.BeforeExpiry)

	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	var refreshed, reused, failed atomic.Int32

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id uint64) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if rec := recover(); rec != nil {
					failed.Add(1)
					utils.Error("[Refresh] panic refreshing credential %d: %v", id, rec)
				}
			}()

			outcome, err := r.pool.RefreshInBackground(ctx, id, r.cfg.BeforeExpiry)
			switch outcome {
			case RefreshOutcomeRefreshed:
				refreshed.Add(1)
			case RefreshOutcomeReusedCurrent:
				reused.Add(1)
			default:
				failed.Add(1)
				utils.Warn("[Refresh] credential %d refresh failed: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	utils.Info("[Refresh] sweep done: %d refreshed, %d reused current token, %d failed",
		refreshed.Load(), reused.Load(), failed.Load())
}

// BalanceFetcher fetches the remaining balance for a credential.
type BalanceFetcher func(ctx context.Context, cc *CallContext) (float64, error)

// InitializeBalances warms the balance cache for every enabled credential
// with bounded concurrency so selection has data to break ties with.
// Credentials with less than one unit remaining are disabled up front.
func (m *Manager) InitializeBalances(ctx context.Context, fetch BalanceFetcher) {
	m.mu.Lock()
	var ids []uint64
	for _, e := range m.entries {
		if !e.cred.Disabled {
			ids = append(ids, e.cred.ID)
		}
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	sem := make(chan struct{}, config.BalanceInitConcurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id uint64) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if rec := recover(); rec != nil {
					utils.Error("[Pool] panic during balance init for credential %d: %v", id, rec)
				}
			}()

			cc, err := m.EnsureValidToken(ctx, id)
			if err != nil {
				utils.Warn("[Pool] balance init: credential %d token unavailable: %v", id, err)
				return
			}
			remaining, err := fetch(ctx, cc)
			if err != nil {
				utils.Warn("[Pool] balance init: credential %d fetch failed: %v", id, err)
				return
			}
			m.UpdateBalance(id, remaining)
			if remaining < 1.0 {
				m.ReportInsufficientBalance(id)
			}
		}(id)
	}
	wg.Wait()
	utils.Info("[Pool] balance cache initialized for %d credentials", len(ids))
}
