package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"offramp/internal/clock"
)

// PostgresStore persists records in the idempotency_records table created by
// the embedded migrations.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewPostgresStore(pool *pgxpool.Pool, clk clock.Clock) *PostgresStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &PostgresStore{pool: pool, clock: clk}
}

func (p *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Record, bool, error) {
	now := p.clock.Now()

	// an expired row is taken over in place
	tag, err := p.pool.Exec(ctx, `
INSERT INTO idempotency_records (key, fingerprint, status_code, response, created_at, expires_at)
VALUES ($1, $2, 0, NULL, $3, $4)
ON CONFLICT (key) DO UPDATE
SET fingerprint = EXCLUDED.fingerprint,
    status_code = 0,
    response    = NULL,
    created_at  = EXCLUDED.created_at,
    expires_at  = EXCLUDED.expires_at
WHERE idempotency_records.expires_at <= $3`,
		key, fingerprint, now, now.Add(ttl))
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	var rec Record
	err = p.pool.QueryRow(ctx, `
SELECT fingerprint, status_code, COALESCE(response, ''::bytea), created_at, expires_at
FROM idempotency_records
WHERE key = $1`, key).Scan(&rec.Fingerprint, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// released between our insert and select
			return p.Reserve(ctx, key, fingerprint, ttl)
		}
		return nil, false, fmt.Errorf("load idempotency key: %w", err)
	}
	return &rec, false, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE idempotency_records
SET status_code = $2,
    response    = $3,
    expires_at  = COALESCE($4, expires_at)
WHERE key = $1`, key, record.StatusCode, record.Response, nullTime(record.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotReserved
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1 AND status_code = 0`, key)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// PurgeExpired deletes records past their expiry.
func (p *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, p.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
