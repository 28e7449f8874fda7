package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Archline-Labs/sigil/pkg/outbox"
)

// SQLOutbox implements outbox.Store on database/sql. Rows are appended in
// the same logical unit as the primary mutation and drained by the stream
// processor and the sweep publisher.
type SQLOutbox struct {
	db *sql.DB
}

// NewSQLOutbox wraps an open database handle.
func NewSQLOutbox(db *sql.DB) *SQLOutbox { return &SQLOutbox{db: db} }

const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	trace_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox (status, occurred_at);
`

// Init creates the outbox table.
func (s *SQLOutbox) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, outboxSchema)
	return err
}

func (s *SQLOutbox) Append(ctx context.Context, rec *outbox.Record) error {
	query := `
		INSERT INTO outbox (id, event_type, payload, occurred_at, status, attempts, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.EventType, string(rec.Payload), rec.OccurredAt,
		string(rec.Status), rec.Attempts, rec.TraceID)
	if err != nil {
		return fmt.Errorf("append outbox record: %w", err)
	}
	return requireAffected(res, ErrConditionFailed)
}

func (s *SQLOutbox) ListPending(ctx context.Context, limit int) ([]outbox.Record, error) {
	query := `
		SELECT id, event_type, payload, occurred_at, status, attempts, trace_id
		FROM outbox
		WHERE status = $1
		ORDER BY occurred_at ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, string(outbox.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []outbox.Record
	for rows.Next() {
		var rec outbox.Record
		var payload, status string
		var traceID sql.NullString
		var occurredAt time.Time
		if err := rows.Scan(&rec.ID, &rec.EventType, &payload, &occurredAt, &status, &rec.Attempts, &traceID); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		rec.OccurredAt = occurredAt
		rec.Status = outbox.DispatchStatus(status)
		rec.TraceID = traceID.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLOutbox) CountByStatus(ctx context.Context, status outbox.DispatchStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return n, nil
}

// MarkDispatched is idempotent: marking an already-dispatched row affects
// zero rows and is not an error.
func (s *SQLOutbox) MarkDispatched(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = $1 WHERE id = $2`, string(outbox.StatusDispatched), id)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt; dispatched rows are never demoted.
func (s *SQLOutbox) MarkFailed(ctx context.Context, id string, attempts int) error {
	query := `UPDATE outbox SET status = $1, attempts = $2 WHERE id = $3 AND status != $4`
	_, err := s.db.ExecContext(ctx, query,
		string(outbox.StatusFailed), attempts, id, string(outbox.StatusDispatched))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}
