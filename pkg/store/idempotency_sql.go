package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Archline-Labs/sigil/pkg/idempotency"
)

// SQLIdempotency implements idempotency.Store with a conditional upsert:
// the insert wins only when the key is absent or its record has expired,
// which is what gives Run its at-most-one-execution guarantee.
type SQLIdempotency struct {
	db *sql.DB
}

// NewSQLIdempotency wraps an open database handle.
func NewSQLIdempotency(db *sql.DB) *SQLIdempotency { return &SQLIdempotency{db: db} }

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency (
	key TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	result TEXT,
	result_err TEXT,
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// Init creates the idempotency table.
func (s *SQLIdempotency) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, idempotencySchema)
	return err
}

func (s *SQLIdempotency) Reserve(ctx context.Context, rec *idempotency.Record) error {
	// Expired records are treated as absent: the conflict branch only
	// fires when the stored record is past its TTL.
	query := `
		INSERT INTO idempotency (key, state, result, result_err, expires_at, created_at)
		VALUES ($1, $2, NULL, NULL, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET state = $2, result = NULL, result_err = NULL, expires_at = $3, created_at = $4
		WHERE idempotency.expires_at < $4
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.Key, string(rec.State), rec.ExpiresAt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("reserve idempotency key: %w", err)
	}
	return requireAffected(res, ErrConditionFailed)
}

func (s *SQLIdempotency) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	query := `SELECT key, state, result, result_err, expires_at, created_at FROM idempotency WHERE key = $1`
	row := s.db.QueryRowContext(ctx, query, key)

	var rec idempotency.Record
	var state string
	var result, resultErr sql.NullString
	var expiresAt, createdAt time.Time
	if err := row.Scan(&rec.Key, &state, &result, &resultErr, &expiresAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.State = idempotency.State(state)
	if result.Valid {
		rec.Result = []byte(result.String)
	}
	rec.ResultErr = resultErr.String
	rec.ExpiresAt = expiresAt
	rec.CreatedAt = createdAt
	return &rec, nil
}

func (s *SQLIdempotency) Complete(ctx context.Context, key string, result []byte, resultErr string) error {
	query := `UPDATE idempotency SET state = $1, result = $2, result_err = $3 WHERE key = $4`
	res, err := s.db.ExecContext(ctx, query,
		string(idempotency.StateCompleted), string(result), resultErr, key)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return requireAffected(res, ErrNotFound)
}
