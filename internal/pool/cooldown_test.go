package pool

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestCooldownSetCheckExpire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cm := NewCooldownManager(clock)

	applied := cm.Set(1, CooldownServerError)
	require.Equal(t, 30*time.Second, applied)

	remaining, reason, in := cm.Check(1)
	require.True(t, in)
	require.Equal(t, CooldownServerError, reason)
	require.Equal(t, 30*time.Second, remaining)

	clock.Advance(31 * time.Second)
	_, _, in = cm.Check(1)
	require.False(t, in, "expired cooldowns clear on read")
}

func TestCooldownShorterNeverTruncatesLonger(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cm := NewCooldownManager(clock)

	cm.Set(1, CooldownModelUnavailable) // 5 minutes
	applied := cm.Set(1, CooldownNetworkError)
	require.Equal(t, 5*time.Minute, applied, "the longer cooldown stands")

	remaining, reason, in := cm.Check(1)
	require.True(t, in)
	require.Equal(t, CooldownModelUnavailable, reason)
	require.Equal(t, 5*time.Minute, remaining)
}

func TestCooldownClear(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cm := NewCooldownManager(clock)

	cm.Set(1, CooldownRateLimited)
	cm.Clear(1)
	_, _, in := cm.Check(1)
	require.False(t, in)
}

func TestCooldownCleanupExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cm := NewCooldownManager(clock)

	cm.Set(1, CooldownNetworkError)       // 10s
	cm.Set(2, CooldownTokenRefreshFailed) // 5min

	clock.Advance(time.Minute)
	require.Equal(t, 1, cm.CleanupExpired())

	_, _, in := cm.Check(2)
	require.True(t, in, "unexpired cooldowns survive cleanup")
}

func TestCooldownReasonDurations(t *testing.T) {
	require.Equal(t, 60*time.Second, CooldownRateLimited.Duration())
	require.Equal(t, 30*time.Second, CooldownServerError.Duration())
	require.Equal(t, 5*time.Minute, CooldownModelUnavailable.Duration())
	require.Equal(t, 5*time.Minute, CooldownTokenRefreshFailed.Duration())
	require.Equal(t, 10*time.Second, CooldownNetworkError.Duration())
}

func TestCooldownReasonLong(t *testing.T) {
	require.True(t, CooldownRateLimited.Long())
	require.True(t, CooldownServerError.Long())
	require.True(t, CooldownModelUnavailable.Long())
	require.True(t, CooldownTokenRefreshFailed.Long())
	require.False(t, CooldownNetworkError.Long())
}
