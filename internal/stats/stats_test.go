package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
)

var statsEpoch = time.Date(2026, 1, 15, 23, 30, 0, 0, time.UTC)

func TestRecentHourKeys(t *testing.T) {
	keys := recentHourKeys(statsEpoch, 3)
	require.Equal(t, []string{"2026-01-15T21", "2026-01-15T22", "2026-01-15T23"}, keys)

	require.Len(t, recentHourKeys(statsEpoch, 0), 24, "non-positive windows default to a day")
}

func TestMemoryStoreRecordAndRecent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(statsEpoch)
	store := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))
	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))
	require.NoError(t, store.Record(ctx, "claude-opus-4.5"))

	recent, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "2026-01-15T23", recent[0].Hour)
	require.Equal(t, int64(3), recent[0].Total)
	require.Equal(t, int64(2), recent[0].Models["claude-sonnet-4.5"])
	require.Equal(t, int64(1), recent[0].Models["claude-opus-4.5"])
}

func TestMemoryStoreBucketsByHour(t *testing.T) {
	clock := clockwork.NewFakeClockAt(statsEpoch)
	store := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))
	clock.Advance(time.Hour)
	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "2026-01-15T23", recent[0].Hour)
	require.Equal(t, "2026-01-16T00", recent[1].Hour, "the day rolls over with the hour")

	recent, err = store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "2026-01-16T00", recent[0].Hour)
}

func TestMemoryStoreSkipsEmptyHours(t *testing.T) {
	clock := clockwork.NewFakeClockAt(statsEpoch)
	store := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))
	clock.Advance(3 * time.Hour)
	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))

	recent, err := store.Recent(ctx, 4)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "2026-01-15T23", recent[0].Hour)
	require.Equal(t, "2026-01-16T02", recent[1].Hour)
}

func TestMemoryStorePrunesOldBuckets(t *testing.T) {
	clock := clockwork.NewFakeClockAt(statsEpoch)
	store := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))
	clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))

	recent, err := store.Recent(ctx, 32*24)
	require.NoError(t, err)
	require.Len(t, recent, 1, "buckets past retention are dropped")
	require.Equal(t, int64(1), recent[0].Total)
}

func TestMemoryStoreRecentReturnsCopies(t *testing.T) {
	clock := clockwork.NewFakeClockAt(statsEpoch)
	store := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))

	recent, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	recent[0].Models["claude-sonnet-4.5"] = 99

	recent, err = store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), recent[0].Models["claude-sonnet-4.5"])
}

func newTestBoltStore(t *testing.T, clock clockwork.Clock) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stats.db")
	store, err := NewBoltStore(path, clock)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestBoltStoreRecordAndRecent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(statsEpoch)
	store, _ := newTestBoltStore(t, clock)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))
	require.NoError(t, store.Record(ctx, "claude-opus-4.5"))
	require.NoError(t, store.Record(ctx, "claude-opus-4.5"))

	recent, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "2026-01-15T23", recent[0].Hour)
	require.Equal(t, int64(3), recent[0].Total)
	require.Equal(t, int64(1), recent[0].Models["claude-sonnet-4.5"])
	require.Equal(t, int64(2), recent[0].Models["claude-opus-4.5"])
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	clock := clockwork.NewFakeClockAt(statsEpoch)
	path := filepath.Join(t.TempDir(), "stats.db")
	ctx := context.Background()

	store, err := NewBoltStore(path, clock)
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(path, clock)
	require.NoError(t, err)
	defer store.Close()

	recent, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, int64(1), recent[0].Total)
}

func TestBoltStorePrunesOldBuckets(t *testing.T) {
	clock := clockwork.NewFakeClockAt(statsEpoch)
	store, _ := newTestBoltStore(t, clock)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))
	clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, store.Record(ctx, "claude-sonnet-4.5"))

	recent, err := store.Recent(ctx, 32*24)
	require.NoError(t, err)
	require.Len(t, recent, 1, "buckets past retention are dropped on rollover")
}

func TestOpenSelectsBackend(t *testing.T) {
	clock := clockwork.NewFakeClockAt(statsEpoch)

	store := Open(&config.Config{}, clock)
	_, ok := store.(*MemoryStore)
	require.True(t, ok, "no backend configured falls back to memory")
	store.Close()

	store = Open(&config.Config{StatsPath: filepath.Join(t.TempDir(), "stats.db")}, clock)
	_, ok = store.(*BoltStore)
	require.True(t, ok)
	store.Close()

	store = Open(&config.Config{RedisAddr: "localhost:6379"}, clock)
	_, ok = store.(*RedisStore)
	require.True(t, ok, "the Redis client connects lazily")
	store.Close()
}
