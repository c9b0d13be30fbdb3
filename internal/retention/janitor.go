// Package retention periodically purges execution records and
// classification logs older than the configured retention window.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. A failed purge is logged and retried
// on the next cycle.
package retention

import (
	"context"
	"errors"
	"time"

	"github.com/agentoven/dispatcher/internal/store"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is used when the configured interval is too short.
const DefaultInterval = time.Hour

// Purger is the storage surface the janitor needs.
type Purger interface {
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteClassificationLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ Purger = (store.Store)(nil)

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Cutoff                time.Time
	ExecutionsPurged      int64
	ClassificationsPurged int64
	Errors                []error
}

// Janitor purges expired records on an interval.
type Janitor struct {
	store    Purger
	days     int
	interval time.Duration
	now      func() time.Time
}

// NewJanitor creates a janitor keeping the last days of data. days <= 0
// disables purging.
func NewJanitor(s Purger, days int, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = DefaultInterval
	}
	return &Janitor{store: s, days: days, interval: interval, now: time.Now}
}

// Enabled reports whether the janitor purges anything.
func (j *Janitor) Enabled() bool { return j.days > 0 }

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	if !j.Enabled() {
		log.Info().Msg("Retention janitor disabled")
		return
	}
	log.Info().
		Dur("interval", j.interval).
		Int("retention_days", j.days).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one purge pass.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	stats := CycleStats{Cutoff: j.now().AddDate(0, 0, -j.days)}
	if !j.Enabled() {
		return stats
	}

	n, err := j.store.DeleteExecutionsBefore(ctx, stats.Cutoff)
	if err != nil {
		stats.Errors = append(stats.Errors, &purgeError{what: "executions", err: err})
	}
	stats.ExecutionsPurged = n

	n, err = j.store.DeleteClassificationLogsBefore(ctx, stats.Cutoff)
	if err != nil {
		stats.Errors = append(stats.Errors, &purgeError{what: "classification logs", err: err})
	}
	stats.ClassificationsPurged = n

	event := log.Info()
	if len(stats.Errors) > 0 {
		event = log.Warn().Err(errors.Join(stats.Errors...))
	} else if stats.ExecutionsPurged == 0 && stats.ClassificationsPurged == 0 {
		event = log.Debug()
	}
	event.
		Time("cutoff", stats.Cutoff).
		Int64("executions_purged", stats.ExecutionsPurged).
		Int64("classifications_purged", stats.ClassificationsPurged).
		Msg("Retention cycle complete")
	return stats
}

type purgeError struct {
	what string
	err  error
}

func (e *purgeError) Error() string {
	return "purge " + e.what + ": " + e.err.Error()
}

func (e *purgeError) Unwrap() error { return e.err }
