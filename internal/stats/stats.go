// Package stats counts requests per hour and per model. Counters live in
// one of three backends picked at startup: Redis, a local bbolt file, or
// process memory.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

const (
	// hourLayout buckets counters by UTC hour.
	hourLayout = "2006-01-02T15"

	// retention bounds how far back counters are kept.
	retention = 30 * 24 * time.Hour

	// totalField holds the per-hour request total alongside the
	// per-model fields.
	totalField = "_total"
)

// HourlyStats is one hour of request counters.
type HourlyStats struct {
	Hour   string           `json:"hour"`
	Total  int64            `json:"total"`
	Models map[string]int64 `json:"models"`
}

// Store records request counters in hourly buckets. Implementations are
// safe for concurrent use.
type Store interface {
	// Record counts one request for model against the current hour.
	Record(ctx context.Context, model string) error

	// Recent returns the non-empty buckets among the last N hours, in
	// chronological order.
	Recent(ctx context.Context, hours int) ([]HourlyStats, error)

	Close() error
}

// Open selects the backend: Redis when an address is configured, a bbolt
// file when a stats path is configured, otherwise process memory.
func Open(cfg *config.Config, clock clockwork.Clock) Store {
	if cfg.RedisAddr != "" {
		utils.Info("[Stats] Recording usage to Redis at %s", cfg.RedisAddr)
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, clock)
	}
	if cfg.StatsPath != "" {
		store, err := NewBoltStore(cfg.StatsPath, clock)
		if err != nil {
			utils.Warn("[Stats] Cannot open %s (%v), keeping usage in memory", cfg.StatsPath, err)
			return NewMemoryStore(clock)
		}
		utils.Info("[Stats] Recording usage to %s", cfg.StatsPath)
		return store
	}
	utils.Info("[Stats] Recording usage in memory (lost on restart)")
	return NewMemoryStore(clock)
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	buckets map[string]*HourlyStats
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{clock: clock, buckets: make(map[string]*HourlyStats)}
}

// Record implements Store.
func (s *MemoryStore) Record(ctx context.Context, model string) error {
	now := s.clock.Now().UTC()
	hour := now.Format(hourLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[hour]
	if !ok {
		bucket = &HourlyStats{Hour: hour, Models: make(map[string]int64)}
		s.buckets[hour] = bucket
		s.prune(now)
	}
	bucket.Total++
	bucket.Models[model]++
	return nil
}

// prune drops buckets past retention. Called with the lock held when a
// new hour starts, so memory stays bounded on long-running processes.
func (s *MemoryStore) prune(now time.Time) {
	cutoff := now.Add(-retention)
	for hour := range s.buckets {
		t, err := time.Parse(hourLayout, hour)
		if err != nil || t.Before(cutoff) {
			delete(s.buckets, hour)
		}
	}
}

// Recent implements Store.
func (s *MemoryStore) Recent(ctx context.Context, hours int) ([]HourlyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]HourlyStats, 0, hours)
	for _, hour := range recentHourKeys(s.clock.Now(), hours) {
		bucket, ok := s.buckets[hour]
		if !ok {
			continue
		}
		entry := HourlyStats{
			Hour:   bucket.Hour,
			Total:  bucket.Total,
			Models: make(map[string]int64, len(bucket.Models)),
		}
		for model, count := range bucket.Models {
			entry.Models[model] = count
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// recentHourKeys lists the last N hour keys in chronological order,
// ending at the current hour.
func recentHourKeys(now time.Time, hours int) []string {
	if hours <= 0 {
		hours = 24
	}
	now = now.UTC()
	keys := make([]string, 0, hours)
	for i := hours - 1; i >= 0; i-- {
		keys = append(keys, now.Add(-time.Duration(i)*time.Hour).Format(hourLayout))
	}
	return keys
}
