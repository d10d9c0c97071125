package pool

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
)

type limiterEntry struct {
	dayCount      int
	dayResetAt    time.Time // zero until the first request of the window
	lastRequestAt time.Time
	failures      int
	backoffUntil  time.Time
}

// RateLimiter paces requests per credential: a daily ceiling, a jittered
// minimum interval between consecutive requests, and exponential backoff
// after failures. All checks and updates for one acquisition happen under
// a single lock so concurrent callers cannot double-spend an interval.
type RateLimiter struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[uint64]*limiterEntry

	dailyLimit  int
	minInterval time.Duration
	maxInterval time.Duration
	jitter      bool
}

// NewRateLimiter builds a limiter on the given clock. credentialRPM > 0
// fixes the interval to 60000/RPM milliseconds with jitter disabled;
// otherwise the default 1-2 second jittered interval applies.
func NewRateLimiter(clock clockwork.Clock, credentialRPM int) *RateLimiter {
	rl := &RateLimiter{
		clock:       clock,
		entries:     make(map[uint64]*limiterEntry),
		dailyLimit:  config.DailyRequestLimit,
		minInterval: time.Duration(config.MinIntervalLowMs) * time.Millisecond,
		maxInterval: time.Duration(config.MinIntervalHighMs) * time.Millisecond,
		jitter:      true,
	}
	if credentialRPM > 0 {
		interval := time.Duration(60000/credentialRPM) * time.Millisecond
		rl.minInterval = interval
		rl.maxInterval = interval
		rl.jitter = false
	}
	return rl
}

func (r *RateLimiter) entry(id uint64) *limiterEntry {
	e, ok := r.entries[id]
	if !ok {
		e = &limiterEntry{}
		r.entries[id] = e
	}
	return e
}

// nextInterval picks the spacing before the next request: the midpoint of
// the configured range, jittered and clamped back into the range.
func (r *RateLimiter) nextInterval() time.Duration {
	base := (r.minInterval + r.maxInterval) / 2
	if !r.jitter {
		return base
	}
	span := float64(base) * config.IntervalJitterFrac
	d := time.Duration(float64(base) + (rand.Float64()*2-1)*span)
	if d < r.minInterval {
		d = r.minInterval
	}
	if d > r.maxInterval {
		d = r.maxInterval
	}
	return d
}

// TryAcquire attempts to reserve a request slot for the credential. On
// success it returns (0, true) and records the request. On denial it
// returns (wait, false) where wait is how long until the next chance.
func (r *RateLimiter) TryAcquire(id uint64) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	e := r.entry(id)

	// The daily window rolls 24h after its first request.
	if !e.dayResetAt.IsZero() && !now.Before(e.dayResetAt) {
		e.dayCount = 0
		e.dayResetAt = time.Time{}
	}
	if e.dayCount >= r.dailyLimit {
		wait := e.dayResetAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, false
	}

	if now.Before(e.backoffUntil) {
		return e.backoffUntil.Sub(now), false
	}

	if !e.lastRequestAt.IsZero() {
		next := e.lastRequestAt.Add(r.nextInterval())
		if now.Before(next) {
			return next.Sub(now), false
		}
	}

	e.dayCount++
	if e.dayResetAt.IsZero() {
		e.dayResetAt = now.Add(24 * time.Hour)
	}
	e.lastRequestAt = now
	return 0, true
}

// ReportFailure applies exponential backoff to the credential and returns
// the duration chosen. Messages matching a suspend keyword force the full
// suspend duration regardless of the failure count.
func (r *RateLimiter) ReportFailure(id uint64, message string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(id)
	e.failures++

	var backoff time.Duration
	if MatchesSuspendKeyword(message) {
		backoff = config.SuspendDuration
	} else {
		b := float64(config.BackoffBase) * math.Pow(config.BackoffFactor, float64(e.failures-1))
		if b > float64(config.BackoffCap) {
			b = float64(config.BackoffCap)
		}
		b += (rand.Float64()*2 - 1) * b * config.IntervalJitterFrac
		if b < 0 {
			b = 0
		}
		backoff = time.Duration(b)
	}

	e.backoffUntil = r.clock.Now().Add(backoff)
	return backoff
}

// ReportSuccess clears the credential's failure streak and any backoff.
func (r *RateLimiter) ReportSuccess(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(id)
	e.failures = 0
	e.backoffUntil = time.Time{}
}

// RateLimitInfo is the admin view of one credential's limiter state.
type RateLimitInfo struct {
	DayCount    int   `json:"dayCount"`
	DailyLimit  int   `json:"dailyLimit"`
	Failures    int   `json:"failures"`
	BackoffSecs int64 `json:"backoffSecs,omitempty"`
}

// Info reports the credential's limiter state without mutating it. An
// elapsed daily window reads as zero.
func (r *RateLimiter) Info(id uint64) RateLimitInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RateLimitInfo{DailyLimit: r.dailyLimit}
	e, ok := r.entries[id]
	if !ok {
		return info
	}
	now := r.clock.Now()
	if e.dayResetAt.IsZero() || now.Before(e.dayResetAt) {
		info.DayCount = e.dayCount
	}
	info.Failures = e.failures
	if e.backoffUntil.After(now) {
		info.BackoffSecs = int64(e.backoffUntil.Sub(now).Seconds())
	}
	return info
}

// Remove drops all limiter state for a deleted credential.
func (r *RateLimiter) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// MatchesSuspendKeyword reports whether an upstream error message signals
// an account-level suspension rather than a transient failure.
func MatchesSuspendKeyword(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range config.SuspendKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
