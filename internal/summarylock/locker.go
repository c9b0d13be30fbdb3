// Package summarylock is a TTL advisory lock keyed by end-user id. It guards
// the per-user summarization job so two workers never summarize the same
// user at once.
//
// A lock is live while now - acquired_at < TTL. Staleness is evaluated
// lazily by the backend at acquire time; there is no expiry sweep.
package summarylock

import (
	"context"
	"errors"
	"time"

	"github.com/agentoven/dispatcher/internal/metrics"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTTL is how long an acquired lock stays live.
const DefaultTTL = 300 * time.Second

// ErrInvalidArgument is returned for an empty user or holder id.
var ErrInvalidArgument = errors.New("summarylock: user id and holder id are required")

var tracer = otel.Tracer("dispatcher/summarylock")

// Backend persists lock state. AcquireSummaryLock must be a single atomic
// compare-and-set: it succeeds when no lock is stored, the stored lock was
// acquired at or before staleBefore, or holderID already holds it.
type Backend interface {
	AcquireSummaryLock(ctx context.Context, userID, holderID string, now, staleBefore time.Time) (bool, error)
	ReleaseSummaryLock(ctx context.Context, userID, holderID string) (bool, error)
	GetSummaryLock(ctx context.Context, userID string) (*models.SummaryLock, error)
}

// Locker applies the TTL and clock on top of a Backend.
type Locker struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Locker) { l.metrics = m }
}

// New creates a Locker over b.
func New(b Backend, opts ...Option) *Locker {
	l := &Locker{backend: b, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewHolderID returns a fresh random holder id.
func NewHolderID() string { return uuid.NewString() }

// TTL returns the configured lock lifetime.
func (l *Locker) TTL() time.Duration { return l.ttl }

// Acquire takes the user's lock for holderID. It returns false, without
// error, when another holder owns a live lock.
func (l *Locker) Acquire(ctx context.Context, userID, holderID string) (bool, error) {
	if userID == "" || holderID == "" {
		return false, ErrInvalidArgument
	}
	ctx, span := tracer.Start(ctx, "summarylock.Acquire")
	defer span.End()

	now := l.now()
	ok, err := l.backend.AcquireSummaryLock(ctx, userID, holderID, now, now.Add(-l.ttl))
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("lock.acquired", ok))
	l.metrics.RecordLockAcquire(ok)
	log.Debug().Str("user", userID).Str("holder", holderID).Bool("acquired", ok).Msg("Summary lock acquire")
	return ok, nil
}

// Release clears the lock only when holderID holds it.
func (l *Locker) Release(ctx context.Context, userID, holderID string) (bool, error) {
	if userID == "" || holderID == "" {
		return false, ErrInvalidArgument
	}
	ctx, span := tracer.Start(ctx, "summarylock.Release")
	defer span.End()

	ok, err := l.backend.ReleaseSummaryLock(ctx, userID, holderID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("lock.released", ok))
	l.metrics.RecordLockRelease(ok)
	return ok, nil
}

// Live returns the user's lock when one is live, or nil.
func (l *Locker) Live(ctx context.Context, userID string) (*models.SummaryLock, error) {
	lock, err := l.backend.GetSummaryLock(ctx, userID)
	if err != nil || lock == nil {
		return nil, err
	}
	if !l.IsLive(lock) {
		return nil, nil
	}
	return lock, nil
}

// IsLive reports whether lock is younger than the TTL.
func (l *Locker) IsLive(lock *models.SummaryLock) bool {
	return lock != nil && l.now().Sub(lock.AcquiredAt) < l.ttl
}
