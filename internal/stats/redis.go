package stats

import (
	"context"
	"strconv"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces the hourly hashes.
const redisKeyPrefix = "kiro:stats:"

// RedisStore keeps one hash per hour with a _total field plus one field
// per model. Key expiry stands in for explicit pruning.
type RedisStore struct {
	client *redis.Client
	clock  clockwork.Clock
}

// NewRedisStore connects to the given Redis instance. The connection is
// lazy; the first Record surfaces connectivity problems.
func NewRedisStore(addr, password string, db int, clock clockwork.Clock) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		clock:  clock,
	}
}

// Record implements Store.
func (s *RedisStore) Record(ctx context.Context, model string) error {
	key := redisKeyPrefix + s.clock.Now().UTC().Format(hourLayout)
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, totalField, 1)
	pipe.HIncrBy(ctx, key, model, 1)
	pipe.Expire(ctx, key, retention)
	_, err := pipe.Exec(ctx)
	return err
}

// Recent implements Store.
func (s *RedisStore) Recent(ctx context.Context, hours int) ([]HourlyStats, error) {
	out := make([]HourlyStats, 0, hours)
	for _, hour := range recentHourKeys(s.clock.Now(), hours) {
		fields, err := s.client.HGetAll(ctx, redisKeyPrefix+hour).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		entry := HourlyStats{Hour: hour, Models: make(map[string]int64, len(fields))}
		for field, value := range fields {
			count, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			if field == totalField {
				entry.Total = count
				continue
			}
			entry.Models[field] = count
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error { return s.client.Close() }
