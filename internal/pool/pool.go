package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kirocommunity/kiro-claude-proxy/internal/auth"
	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// healTag records how an entry was disabled so the right recovery path can
// undo it. Only too_many_failures entries self-heal; everything else waits
// for an admin.
type healTag string

const (
	healNone            healTag = ""
	healManual          healTag = "manual"
	healTooManyFailures healTag = "too_many_failures"
	healQuotaExceeded   healTag = "quota_exceeded"
)

// maxSelectionWait bounds a single in-selection sleep when every credential
// is pacing or cooling down.
const maxSelectionWait = 30 * time.Second

// ErrNotFound is returned for operations on an unknown credential id.
var ErrNotFound = errors.New("credential not found")

// ErrNotDisabled guards deletion: a credential must be taken out of
// rotation before it can be removed.
var ErrNotDisabled = errors.New("credential must be disabled before deletion")

// NoCredentialsError means selection exhausted the pool with nothing usable
// and no wait worth taking.
type NoCredentialsError struct {
	Enabled int
	Total   int
}

func (e *NoCredentialsError) Error() string {
	return fmt.Sprintf("all credentials unavailable (enabled=%d/total=%d)", e.Enabled, e.Total)
}

// BreakerOpenError means the model-unavailable circuit breaker disabled the
// whole pool and the recovery deadline has not passed yet.
type BreakerOpenError struct {
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("model temporarily unavailable upstream, retrying in %s", e.RetryAfter.Round(time.Second))
}

// CallContext binds a selected credential to one upstream call. Fields are
// a snapshot taken at acquire time so a concurrent refresh cannot change
// headers or the injected ARN mid-request.
type CallContext struct {
	ID          uint64
	AccessToken string
	ProfileArn  string
	MachineID   string
	AuthMethod  string
	Email       string
}

// CredentialInfo is the admin-facing view of one pool entry.
type CredentialInfo struct {
	ID               uint64 `json:"id"`
	AuthMethod       string `json:"authMethod"`
	Email            string `json:"email,omitempty"`
	Priority         int    `json:"priority"`
	Disabled         bool   `json:"disabled"`
	DisabledReason   string `json:"disabledReason,omitempty"`
	DisabledAt       string `json:"disabledAt,omitempty"`
	FailureCount     int    `json:"failureCount"`
	SuccessCount     uint64 `json:"successCount"`
	LastUsedAt       string `json:"lastUsedAt,omitempty"`
	RefreshTokenHash string `json:"refreshTokenHash"`
	MaskedToken      string `json:"maskedRefreshToken"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
	Region           string `json:"region,omitempty"`
	HasProfileArn    bool   `json:"hasProfileArn"`
}

type entry struct {
	cred         *Credential
	failureCount int
	healTag      healTag
	successCount uint64
	lastUsedAt   time.Time
}

// Manager owns the credential pool: selection, health reporting, token
// refresh, persistence and the admin operations over all of it.
type Manager struct {
	cfg    *config.Config
	store  *Store
	client *http.Client
	clock  clockwork.Clock
	gate   auth.Gate

	limiter   *RateLimiter
	cooldowns *CooldownManager
	affinity  *AffinityMap
	balances  *BalanceCache

	mu      sync.Mutex
	entries []*entry
	mode    string

	breakerCount     atomic.Int32
	recoveryDeadline atomic.Int64 // unix nanos; 0 = breaker closed
	rrCounter        atomic.Uint64
}

// NewManager loads the credential file and builds a ready pool. Missing
// ids and machine ids are assigned and written back immediately so they
// stay stable across restarts.
func NewManager(cfg *config.Config, store *Store, client *http.Client, clock clockwork.Clock) (*Manager, error) {
	creds, err := store.Load()
	if err != nil {
		return nil, err
	}

	idsChanged, err := AssignIDs(creds)
	if err != nil {
		return nil, err
	}
	machineIDsChanged := FillMachineIDs(creds, cfg.MachineID)

	m := &Manager{
		cfg:       cfg,
		store:     store,
		client:    client,
		clock:     clock,
		limiter:   NewRateLimiter(clock, cfg.GetCredentialRPM()),
		cooldowns: NewCooldownManager(clock),
		affinity:  NewAffinityMap(clock),
		balances:  NewBalanceCache(clock),
		mode:      cfg.GetLoadBalancingMode(),
	}

	ids := make([]uint64, 0, len(creds))
	for _, c := range creds {
		m.entries = append(m.entries, &entry{cred: c})
		ids = append(ids, c.ID)
	}
	m.balances.EnsureEntries(ids)

	if idsChanged || machineIDsChanged {
		m.persist()
	}

	enabled, total := m.Counts()
	utils.Info("[Pool] loaded %d credentials (%d enabled) from %s", total, enabled, store.Path())
	return m, nil
}

// Clock returns the pool's time source.
func (m *Manager) Clock() clockwork.Clock { return m.clock }

// HTTPClient returns the client used for upstream auth and usage calls.
func (m *Manager) HTTPClient() *http.Client { return m.client }

// Config returns the runtime configuration the pool was built with.
func (m *Manager) Config() *config.Config { return m.cfg }

func (m *Manager) byIDLocked(id uint64) *entry {
	for _, e := range m.entries {
		if e.cred.ID == id {
			return e
		}
	}
	return nil
}

// CredentialSnapshot returns a copy of the credential's current state.
func (m *Manager) CredentialSnapshot(id uint64) (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.byIDLocked(id)
	if e == nil {
		return Credential{}, false
	}
	return *e.cred, true
}

// IDs returns every credential id in file order.
func (m *Manager) IDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.entries))
	for _, e := range m.entries {
		ids = append(ids, e.cred.ID)
	}
	return ids
}

// Counts returns how many credentials are enabled and how many exist.
func (m *Manager) Counts() (enabled, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		total++
		if !e.cred.Disabled {
			enabled++
		}
	}
	return enabled, total
}

// Mode returns the current load-balancing mode.
func (m *Manager) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode switches between priority and balanced selection.
func (m *Manager) SetMode(mode string) error {
	if mode != config.ModePriority && mode != config.ModeBalanced {
		return fmt.Errorf("unknown load-balancing mode %q", mode)
	}
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	utils.Info("[Pool] load-balancing mode set to %s", mode)
	return nil
}

// persist writes the credential list to disk. The snapshot is taken under
// the lock, the write happens outside it. Failures are logged and do not
// propagate; the in-memory state remains authoritative for this process.
func (m *Manager) persist() {
	m.mu.Lock()
	creds := make([]*Credential, len(m.entries))
	for i, e := range m.entries {
		c := *e.cred
		creds[i] = &c
	}
	m.mu.Unlock()

	if err := m.store.Save(creds); err != nil {
		utils.Warn("[Pool] failed to persist credentials: %v", err)
	}
}

func (m *Manager) contextFor(c *Credential) *CallContext {
	return &CallContext{
		ID:          c.ID,
		AccessToken: c.AccessToken,
		ProfileArn:  c.ProfileArn,
		MachineID:   ResolveMachineID(c, m.cfg.MachineID),
		AuthMethod:  c.Method(),
		Email:       c.Email,
	}
}

// Acquire selects a credential, ensures its token is valid and returns a
// bound call context. userID, when present, pins the caller to the
// credential that served it last (30-minute sliding affinity).
func (m *Manager) Acquire(ctx context.Context, userID string) (*CallContext, error) {
	rebind := userID != ""
	if userID != "" {
		cc, diverted := m.tryAffinity(ctx, userID)
		if cc != nil {
			return cc, nil
		}
		if diverted {
			// Transient obstruction: keep the binding, serve from elsewhere.
			rebind = false
		}
	}

	tried := make(map[uint64]struct{})
	var wait time.Duration
	var waitSource string
	haveWait := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.recoverFromModelUnavailable()

		cands, healed, enabled, total := m.candidates(tried)
		if healed > 0 {
			utils.Warn("[Pool] no credentials available, self-heal re-enabled %d disabled by the failure limit", healed)
			m.persist()
		}

		if len(cands) == 0 {
			if haveWait {
				utils.Debug("[Pool] all credentials busy (%s), waiting %s", waitSource, wait.Round(time.Millisecond))
				if err := m.sleep(ctx, wait); err != nil {
					return nil, err
				}
				tried = make(map[uint64]struct{})
				haveWait = false
				continue
			}
			if remaining, open := m.breakerRemaining(); open {
				return nil, &BreakerOpenError{RetryAfter: remaining}
			}
			return nil, &NoCredentialsError{Enabled: enabled, Total: total}
		}

		id := m.pickBest(cands)

		if remaining, reason, in := m.cooldowns.Check(id); in {
			if !haveWait || remaining < wait {
				wait, waitSource, haveWait = remaining, "cooldown:"+string(reason), true
			}
			tried[id] = struct{}{}
			continue
		}
		if rlWait, ok := m.limiter.TryAcquire(id); !ok {
			if !haveWait || rlWait < wait {
				wait, waitSource, haveWait = rlWait, "rate_limit", true
			}
			tried[id] = struct{}{}
			continue
		}

		cc, err := m.EnsureValidToken(ctx, id)
		if err != nil {
			utils.Warn("[Pool] credential %d token refresh failed: %v", id, err)
			tried[id] = struct{}{}
			continue
		}

		m.touch(id)
		if rebind {
			m.affinity.Bind(userID, id)
		}
		utils.Debug("[Pool] acquired credential %d", id)
		return cc, nil
	}
}

// tryAffinity attempts the user's bound credential. It returns a context
// on success. diverted=true means the binding is intact but temporarily
// obstructed, so the generic path should not rebind.
func (m *Manager) tryAffinity(ctx context.Context, userID string) (cc *CallContext, diverted bool) {
	boundID, ok := m.affinity.Get(userID)
	if !ok {
		return nil, false
	}

	m.mu.Lock()
	e := m.byIDLocked(boundID)
	usable := e != nil && !e.cred.Disabled
	m.mu.Unlock()

	_, reason, inCooldown := m.cooldowns.Check(boundID)
	if !usable || (inCooldown && reason.Long()) {
		// Long-term obstruction: drop the binding so a fresh one forms.
		m.affinity.Drop(userID)
		return nil, false
	}
	if inCooldown {
		return nil, true
	}
	if _, ok := m.limiter.TryAcquire(boundID); !ok {
		return nil, true
	}

	cc, err := m.EnsureValidToken(ctx, boundID)
	if err != nil {
		utils.Warn("[Pool] affinity credential %d refresh failed: %v", boundID, err)
		return nil, true
	}
	m.touch(boundID)
	m.affinity.Bind(userID, boundID)
	utils.Debug("[Pool] affinity hit: user bound to credential %d", boundID)
	return cc, false
}

type candidate struct {
	id       uint64
	priority int
}

// candidates snapshots the enabled, untried entries. When none remain and
// entries were disabled by the failure limit, they are all re-enabled in
// the same critical section (healed reports how many).
func (m *Manager) candidates(tried map[uint64]struct{}) (cands []candidate, healed, enabled, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	build := func() []candidate {
		out := make([]candidate, 0, len(m.entries))
		for _, e := range m.entries {
			if e.cred.Disabled {
				continue
			}
			if _, skip := tried[e.cred.ID]; skip {
				continue
			}
			out = append(out, candidate{id: e.cred.ID, priority: e.cred.Priority})
		}
		return out
	}

	cands = build()
	if len(cands) == 0 {
		for _, e := range m.entries {
			if e.cred.Disabled && e.healTag == healTooManyFailures {
				m.enableLocked(e)
				healed++
			}
		}
		if healed > 0 {
			cands = build()
		}
	}

	for _, e := range m.entries {
		total++
		if !e.cred.Disabled {
			enabled++
		}
	}
	return cands, healed, enabled, total
}

type scoredCandidate struct {
	id        uint64
	usage     int
	remaining float64
}

// compareScored orders by usage ascending then remaining descending.
func compareScored(a, b scoredCandidate) int {
	if a.usage != b.usage {
		if a.usage < b.usage {
			return -1
		}
		return 1
	}
	if a.remaining != b.remaining {
		if a.remaining > b.remaining {
			return -1
		}
		return 1
	}
	return 0
}

// pickBest selects within the minimum-priority tier. Priority mode prefers
// the least recently used entry with the richest balance; balanced mode
// round-robins across the tier. Exact ties rotate through a monotonic
// counter so equals share load.
func (m *Manager) pickBest(cands []candidate) uint64 {
	minPrio := cands[0].priority
	for _, c := range cands[1:] {
		if c.priority < minPrio {
			minPrio = c.priority
		}
	}
	tier := cands[:0:0]
	for _, c := range cands {
		if c.priority == minPrio {
			tier = append(tier, c)
		}
	}

	if m.Mode() == config.ModeBalanced {
		n := m.rrCounter.Add(1)
		return tier[int((n-1)%uint64(len(tier)))].id
	}

	var best []scoredCandidate
	for _, c := range tier {
		snap := m.balances.Snapshot(c.id)
		s := scoredCandidate{id: c.id, usage: snap.RecentUsage, remaining: snap.Remaining}
		if !snap.Initialized {
			// Unwarmed entries sort last until their balance is known.
			s.usage = math.MaxInt
		}
		if len(best) == 0 {
			best = append(best, s)
			continue
		}
		switch compareScored(s, best[0]) {
		case -1:
			best = append(best[:0], s)
		case 0:
			best = append(best, s)
		}
	}

	n := m.rrCounter.Add(1)
	return best[int((n-1)%uint64(len(best)))].id
}

// sleep waits out the shortest recorded denial, bounded so a distant daily
// reset cannot stall a request for hours.
func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = 50 * time.Millisecond
	}
	if d > maxSelectionWait {
		d = maxSelectionWait
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(d):
		return nil
	}
}

func (m *Manager) touch(id uint64) {
	m.mu.Lock()
	if e := m.byIDLocked(id); e != nil {
		e.lastUsedAt = m.clock.Now()
	}
	m.mu.Unlock()
}

// EnsureValidToken returns a call context with a usable access token,
// refreshing through the single-flight gate when needed. Waiters for the
// same credential share one refresh; the winner re-checks state inside the
// flight in case an earlier flight already refreshed.
func (m *Manager) EnsureValidToken(ctx context.Context, id uint64) (*CallContext, error) {
	snap, ok := m.CredentialSnapshot(id)
	if !ok {
		return nil, ErrNotFound
	}
	if !auth.NeedsRefresh(snap.AccessToken, snap.ExpiresAt) {
		return m.contextFor(&snap), nil
	}

	res, _, err := m.gate.Do(id, func() (*auth.Result, error) {
		cur, ok := m.CredentialSnapshot(id)
		if !ok {
			return nil, ErrNotFound
		}
		if !auth.NeedsRefresh(cur.AccessToken, cur.ExpiresAt) {
			return nil, nil // an earlier flight already refreshed
		}
		return auth.Refresh(ctx, m.client, m.cfg, cur.RefreshSpec(m.cfg.MachineID))
	})
	if err != nil {
		return nil, err
	}
	if res != nil {
		m.applyRefresh(id, res)
	}

	snap, ok = m.CredentialSnapshot(id)
	if !ok {
		return nil, ErrNotFound
	}
	return m.contextFor(&snap), nil
}

// applyRefresh merges a refresh result into the credential and persists.
// Empty result fields leave the stored values untouched.
func (m *Manager) applyRefresh(id uint64, res *auth.Result) {
	m.mu.Lock()
	if e := m.byIDLocked(id); e != nil {
		e.cred.AccessToken = res.AccessToken
		if res.RefreshToken != "" {
			e.cred.RefreshToken = res.RefreshToken
		}
		if res.ProfileArn != "" {
			e.cred.ProfileArn = res.ProfileArn
		}
		if res.ExpiresAt != "" {
			e.cred.ExpiresAt = res.ExpiresAt
		}
	}
	m.mu.Unlock()
	m.persist()
}

// ReportSuccess clears the credential's failure streak and the global
// breaker counter, and counts the call toward its usage window.
func (m *Manager) ReportSuccess(id uint64) {
	m.mu.Lock()
	if e := m.byIDLocked(id); e != nil {
		e.failureCount = 0
		e.successCount++
	}
	m.mu.Unlock()

	m.breakerCount.Store(0)
	m.limiter.ReportSuccess(id)
	m.balances.RecordUsage(id)
}

// ReportFailure counts a failure against the credential, disabling it at
// the limit, and reports whether any enabled credential remains.
func (m *Manager) ReportFailure(id uint64, message string) (stillAvailable bool) {
	backoff := m.limiter.ReportFailure(id, message)

	m.mu.Lock()
	disabledNow := false
	if e := m.byIDLocked(id); e != nil && !e.cred.Disabled {
		e.failureCount++
		if e.failureCount >= config.MaxFailures {
			m.disableLocked(e, config.DisableReasonFailureLimit, healTooManyFailures)
			disabledNow = true
		}
	}
	stillAvailable = m.anyEnabledLocked()
	m.mu.Unlock()

	m.affinity.DropCredential(id)
	if disabledNow {
		utils.Warn("[Pool] credential %d disabled after %d consecutive failures", id, config.MaxFailures)
		m.persist()
	} else {
		utils.Debug("[Pool] credential %d failure recorded, backoff %s", id, backoff.Round(time.Second))
	}
	return stillAvailable
}

// SuspendOnKeyword applies the fixed suspension backoff when an upstream
// error message signals an account-level block. The failure count is not
// touched; the rate limiter alone holds the credential out of rotation.
func (m *Manager) SuspendOnKeyword(id uint64, message string) (time.Duration, bool) {
	if !MatchesSuspendKeyword(message) {
		return 0, false
	}
	d := m.limiter.ReportFailure(id, message)
	utils.Warn("[Pool] credential %d suspended for %s (keyword match in upstream error)", id, d)
	return d, true
}

// ReportQuotaExhausted disables the credential immediately; its monthly
// quota will not come back on its own.
func (m *Manager) ReportQuotaExhausted(id uint64) (stillAvailable bool) {
	m.mu.Lock()
	if e := m.byIDLocked(id); e != nil && !e.cred.Disabled {
		e.failureCount = config.MaxFailures
		m.disableLocked(e, config.DisableReasonQuotaExceeded, healQuotaExceeded)
	}
	stillAvailable = m.anyEnabledLocked()
	m.mu.Unlock()

	m.affinity.DropCredential(id)
	utils.Warn("[Pool] credential %d disabled: monthly quota exhausted", id)
	m.persist()
	return stillAvailable
}

// ReportInsufficientBalance disables the credential until an admin
// re-enables it; a drained balance never recovers within a billing cycle.
func (m *Manager) ReportInsufficientBalance(id uint64) {
	m.mu.Lock()
	if e := m.byIDLocked(id); e != nil && !e.cred.Disabled {
		m.disableLocked(e, config.DisableReasonInsufficientBalance, healNone)
	}
	m.mu.Unlock()

	m.affinity.DropCredential(id)
	utils.Warn("[Pool] credential %d disabled: insufficient balance", id)
	m.persist()
}

// ReportModelUnavailable counts a model-unavailable response. Crossing the
// threshold disables every enabled credential and opens the breaker for
// the recovery window. Returns true only for the invocation that tripped
// it.
func (m *Manager) ReportModelUnavailable() (globallyDisabled bool) {
	n := m.breakerCount.Add(1)
	if int(n) != config.ModelUnavailableThreshold {
		return false
	}

	m.mu.Lock()
	disabled := 0
	for _, e := range m.entries {
		if !e.cred.Disabled {
			m.disableLocked(e, config.DisableReasonModelUnavailable, healNone)
			disabled++
		}
	}
	m.mu.Unlock()

	deadline := m.clock.Now().Add(config.ModelUnavailableRecovery)
	m.recoveryDeadline.Store(deadline.UnixNano())
	utils.Error("[Pool] model unavailable upstream, disabled %d credentials until %s", disabled, deadline.Format(time.RFC3339))
	m.persist()
	return true
}

// recoverFromModelUnavailable re-enables entries the breaker disabled once
// the recovery deadline passes. Entries disabled for any other reason are
// untouched.
func (m *Manager) recoverFromModelUnavailable() {
	dl := m.recoveryDeadline.Load()
	if dl == 0 || m.clock.Now().UnixNano() < dl {
		return
	}
	if !m.recoveryDeadline.CompareAndSwap(dl, 0) {
		return
	}
	m.breakerCount.Store(0)

	m.mu.Lock()
	recovered := 0
	for _, e := range m.entries {
		if e.cred.Disabled && e.cred.DisabledReason == config.DisableReasonModelUnavailable {
			m.enableLocked(e)
			recovered++
		}
	}
	m.mu.Unlock()

	if recovered > 0 {
		utils.Success("[Pool] recovery window elapsed, re-enabled %d credentials", recovered)
		m.persist()
	}
}

func (m *Manager) breakerRemaining() (time.Duration, bool) {
	dl := m.recoveryDeadline.Load()
	if dl == 0 {
		return 0, false
	}
	remaining := time.Unix(0, dl).Sub(m.clock.Now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// InvalidateAccessToken clears the credential's access token so the next
// acquisition refreshes it.
func (m *Manager) InvalidateAccessToken(id uint64) {
	m.mu.Lock()
	if e := m.byIDLocked(id); e != nil {
		e.cred.AccessToken = ""
		e.cred.ExpiresAt = m.clock.Now().UTC().Format(time.RFC3339)
	}
	m.mu.Unlock()
	m.persist()
	utils.Info("[Pool] invalidated access token for credential %d", id)
}

func (m *Manager) anyEnabledLocked() bool {
	for _, e := range m.entries {
		if !e.cred.Disabled {
			return true
		}
	}
	return false
}

func (m *Manager) disableLocked(e *entry, reason string, tag healTag) {
	e.cred.Disabled = true
	e.cred.DisabledReason = reason
	e.cred.DisabledAt = m.clock.Now().UTC().Format(time.RFC3339)
	e.healTag = tag
}

func (m *Manager) enableLocked(e *entry) {
	e.cred.Disabled = false
	e.cred.DisabledReason = ""
	e.cred.DisabledAt = ""
	e.failureCount = 0
	e.healTag = healNone
}

// Disable takes the credential out of rotation, recording the reason. An
// empty reason reads as manual.
func (m *Manager) Disable(id uint64, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = config.DisableReasonManual
	}
	m.mu.Lock()
	e := m.byIDLocked(id)
	if e == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.disableLocked(e, reason, healManual)
	m.mu.Unlock()

	m.affinity.DropCredential(id)
	m.persist()
	utils.Info("[Pool] credential %d disabled (%s)", id, reason)
	return nil
}

// SetDisabled manually disables or re-enables a credential. Re-enabling
// resets the failure count and clears the disable reason.
func (m *Manager) SetDisabled(id uint64, disabled bool) error {
	if disabled {
		return m.Disable(id, config.DisableReasonManual)
	}
	m.mu.Lock()
	e := m.byIDLocked(id)
	if e == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.enableLocked(e)
	m.mu.Unlock()

	m.persist()
	utils.Info("[Pool] credential %d enabled (manual)", id)
	return nil
}

// SetPriority changes the credential's selection tier.
func (m *Manager) SetPriority(id uint64, priority int) error {
	if priority < 0 {
		return fmt.Errorf("priority must be non-negative, got %d", priority)
	}
	m.mu.Lock()
	e := m.byIDLocked(id)
	if e == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	e.cred.Priority = priority
	m.mu.Unlock()

	m.persist()
	utils.Info("[Pool] credential %d priority set to %d", id, priority)
	return nil
}

// ResetAndEnable clears every health mark on the credential: disabled
// state, failure count, cooldown and rate-limiter backoff.
func (m *Manager) ResetAndEnable(id uint64) error {
	m.mu.Lock()
	e := m.byIDLocked(id)
	if e == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.enableLocked(e)
	m.mu.Unlock()

	m.cooldowns.Clear(id)
	m.limiter.ReportSuccess(id)
	m.persist()
	utils.Success("[Pool] credential %d reset and enabled", id)
	return nil
}

// Add validates a credential by performing a live refresh, then appends it
// to the pool and persists. Returns the assigned id.
func (m *Manager) Add(ctx context.Context, cred *Credential) (uint64, error) {
	if err := auth.ValidateRefreshToken(cred.RefreshToken); err != nil {
		return 0, err
	}
	if m.HasRefreshTokenPrefix(cred.RefreshToken) {
		return 0, errors.New("duplicate credential: refresh token already in the pool")
	}

	res, err := auth.Refresh(ctx, m.client, m.cfg, cred.RefreshSpec(m.cfg.MachineID))
	if err != nil {
		return 0, fmt.Errorf("credential validation failed: %w", err)
	}
	cred.AccessToken = res.AccessToken
	if res.RefreshToken != "" {
		cred.RefreshToken = res.RefreshToken
	}
	if res.ProfileArn != "" {
		cred.ProfileArn = res.ProfileArn
	}
	if res.ExpiresAt != "" {
		cred.ExpiresAt = res.ExpiresAt
	}

	m.mu.Lock()
	var maxID uint64
	for _, e := range m.entries {
		if e.cred.ID > maxID {
			maxID = e.cred.ID
		}
	}
	cred.ID = maxID + 1
	if strings.TrimSpace(cred.MachineID) == "" {
		cred.MachineID = ResolveMachineID(cred, m.cfg.MachineID)
	}
	m.entries = append(m.entries, &entry{cred: cred})
	m.mu.Unlock()

	m.balances.EnsureEntries([]uint64{cred.ID})
	m.persist()
	utils.Success("[Pool] added credential %d (%s)", cred.ID, utils.MaskToken(cred.RefreshToken))
	return cred.ID, nil
}

// AddBatch appends statically validated credentials in one locked pass and
// persists once. There is no live refresh; the background refresher heals
// imported tokens on its own. Each credential is re-checked for a duplicate
// refresh token prefix under the lock, so a concurrent Add cannot slip the
// same token in twice. The returned slice is aligned with the input; a zero
// id marks a credential dropped as a duplicate.
func (m *Manager) AddBatch(creds []*Credential) []uint64 {
	ids := make([]uint64, len(creds))
	var added []uint64

	m.mu.Lock()
	var maxID uint64
	for _, e := range m.entries {
		if e.cred.ID > maxID {
			maxID = e.cred.ID
		}
	}
	for i, cred := range creds {
		if m.hasRefreshTokenPrefixLocked(cred.RefreshToken) {
			continue
		}
		maxID++
		cred.ID = maxID
		if strings.TrimSpace(cred.MachineID) == "" {
			cred.MachineID = ResolveMachineID(cred, m.cfg.MachineID)
		}
		m.entries = append(m.entries, &entry{cred: cred})
		ids[i] = maxID
		added = append(added, maxID)
	}
	m.mu.Unlock()

	if len(added) == 0 {
		return ids
	}
	m.balances.EnsureEntries(added)
	m.persist()
	utils.Success("[Pool] imported %d credentials", len(added))
	return ids
}

// Delete removes a credential and all its runtime state. The credential
// must be disabled first; deleting a live entry is almost always a typo.
func (m *Manager) Delete(id uint64) error {
	m.mu.Lock()
	idx := -1
	for i, e := range m.entries {
		if e.cred.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !m.entries[idx].cred.Disabled {
		m.mu.Unlock()
		return ErrNotDisabled
	}
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	m.mu.Unlock()

	m.limiter.Remove(id)
	m.cooldowns.Clear(id)
	m.balances.Remove(id)
	m.affinity.DropCredential(id)
	m.persist()
	utils.Info("[Pool] deleted credential %d", id)
	return nil
}

// HasRefreshTokenPrefix reports whether any pool member shares the first
// 32 characters of the given refresh token. Tokens matching on that prefix
// are the same credential.
func (m *Manager) HasRefreshTokenPrefix(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasRefreshTokenPrefixLocked(token)
}

func (m *Manager) hasRefreshTokenPrefixLocked(token string) bool {
	prefix := TokenPrefix(token, config.TokenDedupPrefixLen)
	if prefix == "" {
		return false
	}
	for _, e := range m.entries {
		if TokenPrefix(e.cred.RefreshToken, config.TokenDedupPrefixLen) == prefix {
			return true
		}
	}
	return false
}

// Snapshot returns the admin view of every entry in file order.
func (m *Manager) Snapshot() []CredentialInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CredentialInfo, 0, len(m.entries))
	for _, e := range m.entries {
		info := CredentialInfo{
			ID:               e.cred.ID,
			AuthMethod:       e.cred.Method(),
			Email:            e.cred.Email,
			Priority:         e.cred.Priority,
			Disabled:         e.cred.Disabled,
			DisabledReason:   e.cred.DisabledReason,
			DisabledAt:       e.cred.DisabledAt,
			FailureCount:     e.failureCount,
			SuccessCount:     e.successCount,
			RefreshTokenHash: e.cred.RefreshTokenHash(),
			MaskedToken:      utils.MaskToken(e.cred.RefreshToken),
			ExpiresAt:        e.cred.ExpiresAt,
			Region:           e.cred.Region,
			HasProfileArn:    e.cred.ProfileArn != "",
		}
		if !e.lastUsedAt.IsZero() {
			info.LastUsedAt = e.lastUsedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, info)
	}
	return out
}

// SetEmail records the account email learned from the web portal.
func (m *Manager) SetEmail(id uint64, email string) {
	if email == "" {
		return
	}
	m.mu.Lock()
	changed := false
	if e := m.byIDLocked(id); e != nil && e.cred.Email != email {
		e.cred.Email = email
		changed = true
	}
	m.mu.Unlock()
	if changed {
		m.persist()
	}
}

// UpdateBalance stores a freshly fetched remaining balance in the cache.
func (m *Manager) UpdateBalance(id uint64, remaining float64) {
	m.balances.Update(id, remaining)
}

// NeedsBalanceRefresh reports whether the credential's cached balance is
// missing or past its TTL.
func (m *Manager) NeedsBalanceRefresh(id uint64) bool {
	return m.balances.NeedsRefresh(id)
}

// BalanceSnapshot returns the selection view of the credential's balance.
func (m *Manager) BalanceSnapshot(id uint64) BalanceSnapshot {
	return m.balances.Snapshot(id)
}

// RateLimitSnapshot returns the limiter's admin view for the credential.
func (m *Manager) RateLimitSnapshot(id uint64) RateLimitInfo {
	return m.limiter.Info(id)
}

// CachedBalances returns every balance cache entry for admin display.
func (m *Manager) CachedBalances() []CachedBalance {
	return m.balances.All()
}

// SetCooldown puts the credential in cooldown and returns the duration.
func (m *Manager) SetCooldown(id uint64, reason CooldownReason) time.Duration {
	d := m.cooldowns.Set(id, reason)
	if reason.Long() {
		m.affinity.DropCredential(id)
	}
	return d
}

// CleanupExpired drops finished cooldowns and stale affinity bindings.
func (m *Manager) CleanupExpired() {
	if n := m.cooldowns.CleanupExpired(); n > 0 {
		utils.Debug("[Pool] dropped %d expired cooldowns", n)
	}
	if n := m.affinity.CleanupExpired(); n > 0 {
		utils.Debug("[Pool] dropped %d expired affinity bindings", n)
	}
}
