// Package ratelimit provides per-project admission control: a bounded cache
// of independent token buckets keyed by project id, evicting the
// least-recently-used entry when full.
package ratelimit

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/agentoven/dispatcher/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultCapacity is the maximum number of cached limiters.
const DefaultCapacity = 1000

// refillWindow is the period over which a full quota is replenished.
const refillWindow = time.Minute

// ErrRateLimited is returned by Check when the project's bucket is empty.
var ErrRateLimited = errors.New("rate limit exceeded")

type entry struct {
	limiter  *rate.Limiter
	quota    int
	lastUsed atomic.Int64 // unix nanos
}

func newEntry(quota int, now time.Time) *entry {
	e := &entry{
		limiter: rate.NewLimiter(rate.Every(refillWindow/time.Duration(quota)), quota),
		quota:   quota,
	}
	e.lastUsed.Store(now.UnixNano())
	return e
}

func (e *entry) touch(now time.Time) {
	e.lastUsed.Store(now.UnixNano())
}

// Limiter is safe for concurrent use. The cache is a sharded map, so
// unrelated projects never contend on a single lock.
type Limiter struct {
	entries  *xsync.MapOf[string, *entry]
	capacity int
	now      func() time.Time
	metrics  *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCapacity sets the maximum number of cached limiters.
func WithCapacity(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates an empty limiter cache.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		entries:  xsync.NewMapOf[string, *entry](),
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check takes one token from the project's bucket. A quota of zero or less
// means unlimited and never touches the cache. The returned error is
// ErrRateLimited when the bucket is empty; rejection never blocks.
func (l *Limiter) Check(projectID string, quotaPerMinute int) error {
	if quotaPerMinute <= 0 {
		l.metrics.RecordAdmission(true)
		return nil
	}

	now := l.now()
	e := l.lookup(projectID, quotaPerMinute, now)
	if !e.limiter.AllowN(now, 1) {
		l.metrics.RecordAdmission(false)
		log.Debug().Str("project", projectID).Int("quota", quotaPerMinute).Msg("Rate limit exceeded")
		return ErrRateLimited
	}
	l.metrics.RecordAdmission(true)
	return nil
}

// Remove drops a project's cached limiter. Absent projects are ignored.
func (l *Limiter) Remove(projectID string) {
	l.entries.Delete(projectID)
	l.metrics.SetLimiterEntries(l.entries.Size())
}

// Len returns the number of cached limiters.
func (l *Limiter) Len() int {
	return l.entries.Size()
}

// Contains reports whether a limiter is cached for the project.
func (l *Limiter) Contains(projectID string) bool {
	_, ok := l.entries.Load(projectID)
	return ok
}

// lookup returns the project's entry, creating it when missing or when the
// configured quota changed.
func (l *Limiter) lookup(projectID string, quota int, now time.Time) *entry {
	if e, ok := l.entries.Load(projectID); ok && e.quota == quota {
		e.touch(now)
		return e
	}

	if _, exists := l.entries.Load(projectID); !exists && l.entries.Size() >= l.capacity {
		l.evictOldest()
	}

	actual, _ := l.entries.Compute(projectID, func(old *entry, loaded bool) (*entry, bool) {
		if loaded && old.quota == quota {
			old.touch(now)
			return old, false
		}
		return newEntry(quota, now), false
	})
	l.metrics.SetLimiterEntries(l.entries.Size())
	return actual
}

// evictOldest removes the entry with the oldest last-used time. Ties are
// broken by project id so the choice is deterministic. The delete only
// happens if the victim is still the same entry and was not touched since
// the scan.
func (l *Limiter) evictOldest() {
	var (
		victimKey string
		victim    *entry
		oldest    int64
	)
	l.entries.Range(func(k string, e *entry) bool {
		ts := e.lastUsed.Load()
		if victim == nil || ts < oldest || (ts == oldest && k < victimKey) {
			victimKey, victim, oldest = k, e, ts
		}
		return true
	})
	if victim == nil {
		return
	}

	evicted := false
	l.entries.Compute(victimKey, func(cur *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		if cur != victim || cur.lastUsed.Load() != oldest {
			return cur, false
		}
		evicted = true
		return nil, true
	})
	if evicted {
		l.metrics.RecordEviction()
		log.Debug().Str("project", victimKey).Msg("Evicted rate limiter")
	}
}
