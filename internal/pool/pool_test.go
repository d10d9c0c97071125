package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
)

// rewriteTransport sends every request to the test server regardless of the
// original host, so refresh flows can run against httptest.
type rewriteTransport struct {
	host string
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = "http"
	clone.URL.Host = rt.host
	clone.Host = rt.host
	return http.DefaultTransport.RoundTrip(clone)
}

func validUntil(d time.Duration) string {
	return time.Now().Add(d).UTC().Format(time.RFC3339)
}

// countingRefreshHandler answers every refresh POST with a fresh token.
func countingRefreshHandler(count *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accessToken":"fresh-token","expiresIn":3600}`))
	})
}

func newTestManager(t *testing.T, creds []*Credential, handler http.Handler) (*Manager, *clockwork.FakeClock, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "credentials.json")
	data, err := json.Marshal(creds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg := config.DefaultConfig()
	cfg.MachineID = "machine-test"
	cfg.CredentialRPM = 60 // fixed 1s interval, no jitter

	client := &http.Client{}
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		client.Transport = rewriteTransport{host: srv.Listener.Addr().String()}
	}

	clock := clockwork.NewFakeClock()
	m, err := NewManager(cfg, NewStore(path), client, clock)
	require.NoError(t, err)
	return m, clock, path
}

func TestNewManagerAssignsAndPersistsIDs(t *testing.T) {
	creds := []*Credential{
		{RefreshToken: longToken("a")},
		{RefreshToken: longToken("b")},
	}
	m, _, path := newTestManager(t, creds, nil)

	ids := m.IDs()
	require.Equal(t, []uint64{1, 2}, ids)

	// Ids and machine ids are written back at load time.
	reloaded, err := NewStore(path).Load()
	require.NoError(t, err)
	require.Equal(t, uint64(1), reloaded[0].ID)
	require.Equal(t, "machine-test", reloaded[0].MachineID)
}

func TestAcquireSelectsLowestPriorityTier(t *testing.T) {
	creds := []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "tok-a", ExpiresAt: validUntil(time.Hour), Priority: 1},
		{ID: 2, RefreshToken: longToken("b"), AccessToken: "tok-b", ExpiresAt: validUntil(time.Hour), Priority: 0},
	}
	m, _, _ := newTestManager(t, creds, nil)

	cc, err := m.Acquire(t.Context(), "")
	require.NoError(t, err)
	require.Equal(t, uint64(2), cc.ID, "priority 0 beats priority 1")
	require.Equal(t, "tok-b", cc.AccessToken)
}

func TestAcquirePrefersLeastUsedThenRichestBalance(t *testing.T) {
	creds := []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
		{ID: 2, RefreshToken: longToken("b"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
		{ID: 3, RefreshToken: longToken("c"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}
	m, _, _ := newTestManager(t, creds, nil)

	m.UpdateBalance(1, 100)
	m.UpdateBalance(2, 50)
	m.UpdateBalance(3, 80)

	// Two successes on 1, one each on 2 and 3.
	m.ReportSuccess(1)
	m.ReportSuccess(1)
	m.ReportSuccess(2)
	m.ReportSuccess(3)

	cc, err := m.Acquire(t.Context(), "")
	require.NoError(t, err)
	require.Equal(t, uint64(3), cc.ID, "least used wins, balance breaks the tie")
}

func TestAcquireHoldsBackUninitializedBalances(t *testing.T) {
	creds := []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
		{ID: 2, RefreshToken: longToken("b"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}
	m, _, _ := newTestManager(t, creds, nil)

	m.UpdateBalance(1, 10)
	for i := 0; i < 5; i++ {
		m.ReportSuccess(1)
	}

	cc, err := m.Acquire(t.Context(), "")
	require.NoError(t, err)
	require.Equal(t, uint64(1), cc.ID, "a warmed entry beats an unknown one even when busier")
}

func TestAcquireBalancedModeRoundRobins(t *testing.T) {
	creds := []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
		{ID: 2, RefreshToken: longToken("b"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
		{ID: 3, RefreshToken: longToken("c"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}
	m, _, _ := newTestManager(t, creds, nil)
	require.NoError(t, m.SetMode(config.ModeBalanced))

	var order []uint64
	for i := 0; i < 3; i++ {
		cc, err := m.Acquire(t.Context(), "")
		require.NoError(t, err)
		order = append(order, cc.ID)
	}
	require.Equal(t, []uint64{1, 2, 3}, order)
}

func TestSetModeRejectsUnknown(t *testing.T) {
	m, _, _ := newTestManager(t, []*Credential{{RefreshToken: longToken("a")}}, nil)
	require.Error(t, m.SetMode("random"))
	require.Equal(t, config.ModePriority, m.Mode())
}

func TestAcquireAffinityPinsUser(t *testing.T) {
	creds := []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
		{ID: 2, RefreshToken: longToken("b"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}
	m, clock, _ := newTestManager(t, creds, nil)
	m.UpdateBalance(1, 100)
	m.UpdateBalance(2, 50)

	cc, err := m.Acquire(t.Context(), "user-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), cc.ID)

	// Make credential 1 look much busier; affinity must still win.
	for i := 0; i < 5; i++ {
		m.ReportSuccess(1)
	}
	clock.Advance(2 * time.Second)

	cc, err = m.Acquire(t.Context(), "user-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), cc.ID, "the user stays on the credential that served it")
}

func TestAcquireAffinityRebindsAfterDisable(t *testing.T) {
	creds := []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
		{ID: 2, RefreshToken: longToken("b"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}
	m, clock, _ := newTestManager(t, creds, nil)
	m.UpdateBalance(1, 100)
	m.UpdateBalance(2, 50)

	cc, err := m.Acquire(t.Context(), "user-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), cc.ID)

	require.NoError(t, m.SetDisabled(1, true))
	clock.Advance(2 * time.Second)

	cc, err = m.Acquire(t.Context(), "user-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), cc.ID, "disabled target falls through to selection")

	// The user is now bound to credential 2, even with 1 back.
	require.NoError(t, m.SetDisabled(1, false))
	clock.Advance(2 * time.Second)

	cc, err = m.Acquire(t.Context(), "user-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), cc.ID)
}

func TestReportFailureDisablesAtLimit(t *testing.T) {
	m, _, path := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}, nil)

	require.True(t, m.ReportFailure(1, "boom"))
	info := m.Snapshot()[0]
	require.False(t, info.Disabled)
	require.Equal(t, 1, info.FailureCount)

	require.False(t, m.ReportFailure(1, "boom again"), "no enabled credential remains")
	info = m.Snapshot()[0]
	require.True(t, info.Disabled)
	require.Equal(t, config.DisableReasonFailureLimit, info.DisabledReason)
	require.NotEmpty(t, info.DisabledAt)

	// The disable is persisted.
	reloaded, err := NewStore(path).Load()
	require.NoError(t, err)
	require.True(t, reloaded[0].Disabled)
}

func TestAcquireSelfHealsAfterFailureLimit(t *testing.T) {
	m, clock, _ := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}, nil)

	m.ReportFailure(1, "boom")
	m.ReportFailure(1, "boom")
	require.True(t, m.Snapshot()[0].Disabled)

	// Past the limiter backoff; the pool should heal rather than starve.
	clock.Advance(2 * time.Minute)

	cc, err := m.Acquire(t.Context(), "")
	require.NoError(t, err)
	require.Equal(t, uint64(1), cc.ID)

	info := m.Snapshot()[0]
	require.False(t, info.Disabled)
	require.Zero(t, info.FailureCount)
}

func TestQuotaExhaustedNeverSelfHeals(t *testing.T) {
	m, clock, _ := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}, nil)

	require.False(t, m.ReportQuotaExhausted(1))
	info := m.Snapshot()[0]
	require.True(t, info.Disabled)
	require.Equal(t, config.DisableReasonQuotaExceeded, info.DisabledReason)
	require.Equal(t, config.MaxFailures, info.FailureCount)

	clock.Advance(time.Hour)
	_, err := m.Acquire(t.Context(), "")
	var nce *NoCredentialsError
	require.ErrorAs(t, err, &nce)
	require.Equal(t, 0, nce.Enabled)
	require.Equal(t, 1, nce.Total)
}

func TestModelUnavailableBreaker(t *testing.T) {
	m, clock, _ := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
		{ID: 2, RefreshToken: longToken("b"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}, nil)

	require.False(t, m.ReportModelUnavailable(), "first strike keeps the pool up")
	require.True(t, m.ReportModelUnavailable(), "second strike opens the breaker")

	for _, info := range m.Snapshot() {
		require.True(t, info.Disabled)
		require.Equal(t, config.DisableReasonModelUnavailable, info.DisabledReason)
	}

	_, err := m.Acquire(t.Context(), "")
	var boe *BreakerOpenError
	require.ErrorAs(t, err, &boe)
	require.Greater(t, boe.RetryAfter, time.Duration(0))

	clock.Advance(config.ModelUnavailableRecovery + time.Second)

	cc, err := m.Acquire(t.Context(), "")
	require.NoError(t, err)
	require.NotZero(t, cc.ID)
	for _, info := range m.Snapshot() {
		require.False(t, info.Disabled, "the recovery check re-enables breaker-disabled entries")
	}

	require.False(t, m.ReportModelUnavailable(), "recovery zeroes the breaker counter")
}

func TestSetDisabledManualStaysDown(t *testing.T) {
	m, clock, _ := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}, nil)

	require.NoError(t, m.SetDisabled(1, true))
	info := m.Snapshot()[0]
	require.True(t, info.Disabled)
	require.Equal(t, config.DisableReasonManual, info.DisabledReason)

	clock.Advance(time.Hour)
	_, err := m.Acquire(t.Context(), "")
	var nce *NoCredentialsError
	require.ErrorAs(t, err, &nce, "manual disables never self-heal")

	require.NoError(t, m.SetDisabled(1, false))
	cc, err := m.Acquire(t.Context(), "")
	require.NoError(t, err)
	require.Equal(t, uint64(1), cc.ID)
}

func TestSetDisabledUnknownID(t *testing.T) {
	m, _, _ := newTestManager(t, []*Credential{{RefreshToken: longToken("a")}}, nil)
	require.ErrorIs(t, m.SetDisabled(99, true), ErrNotFound)
}

func TestSetPriority(t *testing.T) {
	m, _, path := newTestManager(t, []*Credential{{ID: 1, RefreshToken: longToken("a")}}, nil)

	require.Error(t, m.SetPriority(1, -1))
	require.NoError(t, m.SetPriority(1, 7))
	require.Equal(t, 7, m.Snapshot()[0].Priority)

	reloaded, err := NewStore(path).Load()
	require.NoError(t, err)
	require.Equal(t, 7, reloaded[0].Priority)
}

func TestResetAndEnableClearsEverything(t *testing.T) {
	m, _, _ := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}, nil)

	m.ReportFailure(1, "boom")
	m.ReportFailure(1, "boom")
	m.SetCooldown(1, CooldownServerError)

	require.NoError(t, m.ResetAndEnable(1))

	info := m.Snapshot()[0]
	require.False(t, info.Disabled)
	require.Zero(t, info.FailureCount)

	cc, err := m.Acquire(t.Context(), "")
	require.NoError(t, err)
	require.Equal(t, uint64(1), cc.ID, "cooldown and backoff are gone")
}

func TestDeleteRequiresDisabled(t *testing.T) {
	m, _, path := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: longToken("a")},
		{ID: 2, RefreshToken: longToken("b")},
	}, nil)

	err := m.Delete(1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "disabled")

	require.NoError(t, m.SetDisabled(1, true))
	require.NoError(t, m.Delete(1))

	require.Equal(t, []uint64{2}, m.IDs())
	require.Len(t, m.CachedBalances(), 1)

	reloaded, err := NewStore(path).Load()
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
	require.Equal(t, uint64(2), reloaded[0].ID)

	require.ErrorIs(t, m.Delete(1), ErrNotFound)
}

func TestInvalidateAccessTokenForcesRefresh(t *testing.T) {
	var refreshes atomic.Int32
	m, clock, path := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "old-token", ExpiresAt: validUntil(time.Hour)},
	}, countingRefreshHandler(&refreshes))

	cc, err := m.Acquire(t.Context(), "")
	require.NoError(t, err)
	require.Equal(t, "old-token", cc.AccessToken)
	require.Zero(t, refreshes.Load())

	m.InvalidateAccessToken(1)
	clock.Advance(2 * time.Second)

	cc, err = m.Acquire(t.Context(), "")
	require.NoError(t, err)
	require.Equal(t, "fresh-token", cc.AccessToken)
	require.Equal(t, int32(1), refreshes.Load())

	reloaded, err := NewStore(path).Load()
	require.NoError(t, err)
	require.Equal(t, "fresh-token", reloaded[0].AccessToken)
}

func TestEnsureValidTokenSkipsSecondRefresh(t *testing.T) {
	var refreshes atomic.Int32
	m, _, _ := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "stale", ExpiresAt: validUntil(time.Minute)},
	}, countingRefreshHandler(&refreshes))

	cc, err := m.EnsureValidToken(t.Context(), 1)
	require.NoError(t, err)
	require.Equal(t, "fresh-token", cc.AccessToken)
	require.Equal(t, int32(1), refreshes.Load())

	cc, err = m.EnsureValidToken(t.Context(), 1)
	require.NoError(t, err)
	require.Equal(t, "fresh-token", cc.AccessToken)
	require.Equal(t, int32(1), refreshes.Load(), "the refreshed token is reused")
}

func TestAddValidatesByLiveRefresh(t *testing.T) {
	var refreshes atomic.Int32
	m, _, _ := newTestManager(t, []*Credential{
		{ID: 5, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}, countingRefreshHandler(&refreshes))

	id, err := m.Add(t.Context(), &Credential{RefreshToken: longToken("new")})
	require.NoError(t, err)
	require.Equal(t, uint64(6), id, "ids continue past the current maximum")
	require.Equal(t, int32(1), refreshes.Load())

	snap, ok := m.CredentialSnapshot(6)
	require.True(t, ok)
	require.Equal(t, "fresh-token", snap.AccessToken)
	require.NotEmpty(t, snap.MachineID)

	require.Len(t, m.CachedBalances(), 2)
}

func TestAddRejectsDuplicatesAndBadTokens(t *testing.T) {
	token := longToken("dup")
	m, _, _ := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: token, AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}, nil)

	_, err := m.Add(t.Context(), &Credential{RefreshToken: token + "-suffix-makes-it-differ"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")

	_, err = m.Add(t.Context(), &Credential{RefreshToken: "short"})
	require.Error(t, err)
}

func TestHasRefreshTokenPrefix(t *testing.T) {
	token := longToken("shared")
	m, _, _ := newTestManager(t, []*Credential{{ID: 1, RefreshToken: token}}, nil)

	require.True(t, m.HasRefreshTokenPrefix(token))
	require.True(t, m.HasRefreshTokenPrefix(token[:config.TokenDedupPrefixLen]+"completely different tail"))
	require.False(t, m.HasRefreshTokenPrefix(longToken("other")))
	require.False(t, m.HasRefreshTokenPrefix(""))
}

func TestSnapshotExposesAdminFields(t *testing.T) {
	m, _, _ := newTestManager(t, []*Credential{{
		ID:           1,
		RefreshToken: longToken("a"),
		AuthMethod:   "idc",
		ClientID:     "cid",
		ClientSecret: "sec",
		Email:        "dev@example.com",
		ProfileArn:   "arn:aws:codewhisperer:us-east-1:123:profile/x",
		Region:       "eu-west-1",
		Priority:     2,
		ExpiresAt:    validUntil(time.Hour),
	}}, nil)

	info := m.Snapshot()[0]
	require.Equal(t, uint64(1), info.ID)
	require.Equal(t, "idc", info.AuthMethod)
	require.Equal(t, "dev@example.com", info.Email)
	require.Equal(t, 2, info.Priority)
	require.Equal(t, "eu-west-1", info.Region)
	require.True(t, info.HasProfileArn)
	require.Len(t, info.RefreshTokenHash, 64)
	require.Equal(t, longToken("a")[:16]+"...", info.MaskedToken)
	require.Empty(t, info.LastUsedAt, "never acquired")
}

func TestSetEmailPersists(t *testing.T) {
	m, _, path := newTestManager(t, []*Credential{{ID: 1, RefreshToken: longToken("a")}}, nil)

	m.SetEmail(1, "found@example.com")
	require.Equal(t, "found@example.com", m.Snapshot()[0].Email)

	reloaded, err := NewStore(path).Load()
	require.NoError(t, err)
	require.Equal(t, "found@example.com", reloaded[0].Email)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	m, clock, _ := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}, nil)

	// Use up the pacing slot so the next acquire has to wait.
	_, err := m.Acquire(t.Context(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "")
		errCh <- err
	}()

	clock.BlockUntil(1) // the acquire is parked in its wait
	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestAcquireWaitsOutRateLimit(t *testing.T) {
	m, clock, _ := newTestManager(t, []*Credential{
		{ID: 1, RefreshToken: longToken("a"), AccessToken: "t", ExpiresAt: validUntil(time.Hour)},
	}, nil)

	_, err := m.Acquire(t.Context(), "")
	require.NoError(t, err)

	got := make(chan uint64, 1)
	go func() {
		cc, err := m.Acquire(t.Context(), "")
		if err != nil {
			got <- 0
			return
		}
		got <- cc.ID
	}()

	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	select {
	case id := <-got:
		require.Equal(t, uint64(1), id, "the blocked acquire proceeds once the interval passes")
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not wake up after the clock advanced")
	}
}
