package summarylock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresBackend stores locks in a shared PostgreSQL table. Acquire is one
// conditional upsert, so concurrent replicas cannot both win.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects to connURL and creates the lock table.
func NewPostgresBackend(ctx context.Context, connURL string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	b := &PostgresBackend{pool: pool}
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres summary lock backend initialized")
	return b, nil
}

func (b *PostgresBackend) migrate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatcher_summary_locks (
			user_id     TEXT PRIMARY KEY,
			holder_id   TEXT NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL
		)`)
	return err
}

func (b *PostgresBackend) AcquireSummaryLock(ctx context.Context, userID, holderID string, now, staleBefore time.Time) (bool, error) {
	tag, err := b.pool.Exec(ctx, `
		INSERT INTO dispatcher_summary_locks AS l (user_id, holder_id, acquired_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			holder_id = EXCLUDED.holder_id,
			acquired_at = EXCLUDED.acquired_at
		WHERE l.holder_id = EXCLUDED.holder_id OR l.acquired_at <= $4`,
		userID, holderID, now.UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("postgres acquire summary lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (b *PostgresBackend) ReleaseSummaryLock(ctx context.Context, userID, holderID string) (bool, error) {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM dispatcher_summary_locks WHERE user_id = $1 AND holder_id = $2`, userID, holderID)
	if err != nil {
		return false, fmt.Errorf("postgres release summary lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (b *PostgresBackend) GetSummaryLock(ctx context.Context, userID string) (*models.SummaryLock, error) {
	lock := models.SummaryLock{UserID: userID}
	err := b.pool.QueryRow(ctx,
		`SELECT holder_id, acquired_at FROM dispatcher_summary_locks WHERE user_id = $1`, userID,
	).Scan(&lock.HolderID, &lock.AcquiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get summary lock: %w", err)
	}
	lock.AcquiredAt = lock.AcquiredAt.UTC()
	return &lock, nil
}

// Close releases the pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
