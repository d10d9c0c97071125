package stats

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"
)

// BoltStore keeps one bucket per hour in a local bbolt file, for
// deployments that want counters to survive restarts without Redis.
// Field values are big-endian uint64.
type BoltStore struct {
	db    *bolt.DB
	clock clockwork.Clock

	mu         sync.Mutex
	prunedHour string
}

// NewBoltStore opens (or creates) the stats file at path.
func NewBoltStore(path string, clock clockwork.Clock) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db, clock: clock}, nil
}

// Record implements Store.
func (s *BoltStore) Record(ctx context.Context, model string) error {
	now := s.clock.Now().UTC()
	hour := now.Format(hourLayout)

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(hour))
		if err != nil {
			return err
		}
		if err := incrementField(bucket, totalField); err != nil {
			return err
		}
		if err := incrementField(bucket, model); err != nil {
			return err
		}
		return s.maybePrune(tx, now, hour)
	})
}

// maybePrune removes buckets past retention, once per hour rollover.
func (s *BoltStore) maybePrune(tx *bolt.Tx, now time.Time, hour string) error {
	s.mu.Lock()
	if s.prunedHour == hour {
		s.mu.Unlock()
		return nil
	}
	s.prunedHour = hour
	s.mu.Unlock()

	cutoff := now.Add(-retention)
	var stale [][]byte
	err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
		t, err := time.Parse(hourLayout, string(name))
		if err != nil || t.Before(cutoff) {
			stale = append(stale, append([]byte(nil), name...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, name := range stale {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
	}
	return nil
}

// Recent implements Store.
func (s *BoltStore) Recent(ctx context.Context, hours int) ([]HourlyStats, error) {
	out := make([]HourlyStats, 0, hours)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, hour := range recentHourKeys(s.clock.Now(), hours) {
			bucket := tx.Bucket([]byte(hour))
			if bucket == nil {
				continue
			}
			entry := HourlyStats{Hour: hour, Models: make(map[string]int64)}
			err := bucket.ForEach(func(k, v []byte) error {
				if len(v) != 8 {
					return nil
				}
				count := int64(binary.BigEndian.Uint64(v))
				if string(k) == totalField {
					entry.Total = count
				} else {
					entry.Models[string(k)] = count
				}
				return nil
			})
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close implements Store.
func (s *BoltStore) Close() error { return s.db.Close() }

func incrementField(bucket *bolt.Bucket, field string) error {
	var count uint64
	if v := bucket.Get([]byte(field)); len(v) == 8 {
		count = binary.BigEndian.Uint64(v)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, count+1)
	return bucket.Put([]byte(field), buf)
}
