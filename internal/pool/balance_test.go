package pool

import (
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestBalanceSnapshotUninitialized(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bc := NewBalanceCache(clock)
	bc.EnsureEntries([]uint64{1})

	snap := bc.Snapshot(1)
	require.False(t, snap.Initialized)
	require.Zero(t, snap.Remaining)

	require.True(t, bc.NeedsRefresh(1), "uninitialized entries always need a fetch")
}

func TestBalanceUpdateAndSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bc := NewBalanceCache(clock)

	bc.Update(1, 42.5)
	snap := bc.Snapshot(1)
	require.True(t, snap.Initialized)
	require.Equal(t, 42.5, snap.Remaining)
	require.False(t, bc.NeedsRefresh(1))
}

func TestBalanceNaNStoredAsZero(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bc := NewBalanceCache(clock)

	bc.Update(1, math.NaN())
	snap := bc.Snapshot(1)
	require.True(t, snap.Initialized)
	require.Zero(t, snap.Remaining)
}

func TestBalanceUsageWindowRolls(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bc := NewBalanceCache(clock)

	for i := 0; i < 5; i++ {
		bc.RecordUsage(1)
	}
	require.Equal(t, 5, bc.Snapshot(1).RecentUsage)

	clock.Advance(11 * time.Minute)
	require.Zero(t, bc.Snapshot(1).RecentUsage, "the 10-minute window resets")

	bc.RecordUsage(1)
	require.Equal(t, 1, bc.Snapshot(1).RecentUsage)
}

func TestBalanceDynamicTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bc := NewBalanceCache(clock)

	// Default TTL: 30 minutes.
	bc.Update(1, 50)
	clock.Advance(29 * time.Minute)
	require.False(t, bc.NeedsRefresh(1))
	clock.Advance(2 * time.Minute)
	require.True(t, bc.NeedsRefresh(1))

	// Nearly exhausted: 24 hours.
	bc.Update(2, 0.5)
	clock.Advance(23 * time.Hour)
	require.False(t, bc.NeedsRefresh(2))
	clock.Advance(2 * time.Hour)
	require.True(t, bc.NeedsRefresh(2))

	// Hot credential: 10 minutes.
	bc.Update(3, 50)
	clock.Advance(5 * time.Minute)
	for i := 0; i < 20; i++ {
		bc.RecordUsage(3)
	}
	clock.Advance(6 * time.Minute) // entry is 11 minutes old, window still live
	require.True(t, bc.NeedsRefresh(3), "20 uses in the window shrink the TTL to 10 minutes")
}

func TestBalanceAll(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bc := NewBalanceCache(clock)

	bc.EnsureEntries([]uint64{1, 2})
	bc.Update(2, 7)

	all := bc.All()
	require.Len(t, all, 2)

	byID := make(map[uint64]CachedBalance, len(all))
	for _, cb := range all {
		byID[cb.ID] = cb
	}
	require.Zero(t, byID[1].TTLSeconds, "uninitialized entries report a zero TTL")
	require.Zero(t, byID[1].CachedAtMs)
	require.Equal(t, 7.0, byID[2].Remaining)
	require.Equal(t, int64((30*time.Minute)/time.Second), byID[2].TTLSeconds)
}

func TestBalanceRemove(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bc := NewBalanceCache(clock)

	bc.Update(1, 5)
	bc.Remove(1)
	require.False(t, bc.Snapshot(1).Initialized)
	require.Len(t, bc.All(), 0)
}
