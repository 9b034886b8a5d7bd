package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"offramp/internal/clock"
	"offramp/internal/domain"
	"offramp/internal/ledger"
)

// Store is the PostgreSQL compliance ledger. Appends for one transaction ID
// serialize on a transaction-scoped advisory lock.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

var _ ledger.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Store{pool: pool, clock: clk}
}

const recordColumns = `
transaction_id, wallet_address, source_amount::text, target_amount::text,
phone_number, provider, chain_id, status, checkout_request_id,
merchant_request_id, provider_receipt, failure_reason, created_at,
updated_at, completed_at, version`

func (s *Store) Append(ctx context.Context, r ledger.Record) (ledger.Record, error) {
	if strings.TrimSpace(r.TransactionID) == "" {
		return ledger.Record{}, domain.InvalidInput("transactionId", "transaction id is required")
	}

	var out ledger.Record
	err := withTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, r.TransactionID); err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}

		var prev *ledger.Record
		existing, err := scanRecord(tx.QueryRow(ctx,
			`SELECT `+recordColumns+` FROM offramp_transactions WHERE transaction_id = $1`, r.TransactionID))
		switch {
		case err == nil:
			prev = &existing
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("load transaction: %w", err)
		}

		now := s.clock.Now()
		merged, changed, err := ledger.Merge(prev, r, now)
		if err != nil {
			return err
		}
		out = merged
		if !changed {
			return nil
		}

		if err := upsertRecord(ctx, tx, merged); err != nil {
			return err
		}
		return insertEvent(ctx, tx, r, merged, now)
	})
	if err != nil {
		return ledger.Record{}, err
	}
	return out, nil
}

func upsertRecord(ctx context.Context, tx pgx.Tx, r ledger.Record) error {
	_, err := tx.Exec(ctx, `
INSERT INTO offramp_transactions (
    transaction_id, wallet_address, source_amount, target_amount, phone_number,
    provider, chain_id, status, checkout_request_id, merchant_request_id,
    provider_receipt, failure_reason, created_at, updated_at, completed_at, version
) VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (transaction_id) DO UPDATE SET
    wallet_address      = EXCLUDED.wallet_address,
    source_amount       = EXCLUDED.source_amount,
    target_amount       = EXCLUDED.target_amount,
    phone_number        = EXCLUDED.phone_number,
    provider            = EXCLUDED.provider,
    chain_id            = EXCLUDED.chain_id,
    status              = EXCLUDED.status,
    checkout_request_id = EXCLUDED.checkout_request_id,
    merchant_request_id = EXCLUDED.merchant_request_id,
    provider_receipt    = EXCLUDED.provider_receipt,
    failure_reason      = EXCLUDED.failure_reason,
    created_at          = EXCLUDED.created_at,
    updated_at          = EXCLUDED.updated_at,
    completed_at        = EXCLUDED.completed_at,
    version             = EXCLUDED.version`,
		r.TransactionID, r.WalletAddress, r.SourceAmount.String(), r.TargetAmount.String(), r.PhoneNumber,
		r.Provider, r.ChainID, string(r.Status), r.CheckoutRequestID, r.MerchantRequestID,
		r.ProviderReceipt, r.FailureReason, r.CreatedAt, r.UpdatedAt, r.CompletedAt, r.Version)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, change, merged ledger.Record, now time.Time) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	_, err = tx.Exec(ctx, `
INSERT INTO offramp_transaction_events (id, transaction_id, sequence, status, change, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		id, merged.TransactionID, merged.Version, string(merged.Status), payload, now)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, transactionID string) (ledger.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM offramp_transactions WHERE transaction_id = $1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Record{}, domain.NotFound(transactionID)
		}
		return ledger.Record{}, fmt.Errorf("get transaction: %w", err)
	}
	return r, nil
}

func (s *Store) History(ctx context.Context, transactionID string) ([]ledger.Event, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, transaction_id, sequence, status, change, recorded_at
FROM offramp_transaction_events
WHERE transaction_id = $1
ORDER BY sequence`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var (
			ev      ledger.Event
			status  string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &ev.Sequence, &status, &payload, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Status = ledger.Status(status)
		if err := json.Unmarshal(payload, &ev.Change); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	if len(out) == 0 {
		return nil, domain.NotFound(transactionID)
	}
	return out, nil
}

func (s *Store) ListByStatus(ctx context.Context, status ledger.Status, olderThan time.Time, after ledger.Cursor, limit int) ([]ledger.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+`
FROM offramp_transactions
WHERE status = $1 AND updated_at < $2 AND (updated_at, transaction_id) > ($3, $4)
ORDER BY updated_at, transaction_id
LIMIT $5`, string(status), olderThan, after.UpdatedAt, after.TransactionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (ledger.Record, error) {
	var (
		r              ledger.Record
		source, target string
		status         string
		completedAt    *time.Time
	)
	err := row.Scan(
		&r.TransactionID, &r.WalletAddress, &source, &target,
		&r.PhoneNumber, &r.Provider, &r.ChainID, &status, &r.CheckoutRequestID,
		&r.MerchantRequestID, &r.ProviderReceipt, &r.FailureReason, &r.CreatedAt,
		&r.UpdatedAt, &completedAt, &r.Version,
	)
	if err != nil {
		return ledger.Record{}, err
	}
	if r.SourceAmount, err = decimal.NewFromString(source); err != nil {
		return ledger.Record{}, fmt.Errorf("parse source amount: %w", err)
	}
	if r.TargetAmount, err = decimal.NewFromString(target); err != nil {
		return ledger.Record{}, fmt.Errorf("parse target amount: %w", err)
	}
	r.Status = ledger.Status(status)
	r.CompletedAt = completedAt
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		r.CompletedAt = &t
	}
	return r, nil
}
