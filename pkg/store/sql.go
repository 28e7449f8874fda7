package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Archline-Labs/sigil/pkg/envelope"
)

// SQL implements the aggregate stores on database/sql. It supports both
// Postgres and SQLite via standard drivers. Aggregates are stored as a JSON
// document plus the columns conditional writes and lookups need; the
// conditional-write primitives are INSERT ... ON CONFLICT DO NOTHING and
// guarded UPDATEs checked through RowsAffected.
type SQL struct {
	db *sql.DB
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB) *SQL { return &SQL{db: db} }

const sqlSchema = `
CREATE TABLE IF NOT EXISTS envelopes (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	doc TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS signers (
	id TEXT PRIMARY KEY,
	envelope_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	status TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signers_envelope ON signers (envelope_id);
CREATE TABLE IF NOT EXISTS invitation_tokens (
	id TEXT PRIMARY KEY,
	envelope_id TEXT NOT NULL,
	signer_id TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_envelope ON invitation_tokens (envelope_id);
CREATE TABLE IF NOT EXISTS consents (
	id TEXT PRIMARY KEY,
	envelope_id TEXT NOT NULL,
	signer_id TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS signatures (
	id TEXT NOT NULL,
	envelope_id TEXT NOT NULL,
	signer_id TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (envelope_id, signer_id)
);
`

// Init creates the schema.
func (s *SQL) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

// --- EnvelopeStore ---

func (s *SQL) Create(ctx context.Context, env *envelope.Envelope) error {
	doc, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	query := `
		INSERT INTO envelopes (id, tenant_id, owner_id, status, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		env.ID, env.TenantID, env.OwnerID, string(env.Status), string(doc), env.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create envelope: %w", err)
	}
	return requireAffected(res, ErrConditionFailed)
}

func (s *SQL) Get(ctx context.Context, id string) (*envelope.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM envelopes WHERE id = $1`, id)
	return scanDoc[envelope.Envelope](row)
}

func (s *SQL) Update(ctx context.Context, env *envelope.Envelope) error {
	doc, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	query := `UPDATE envelopes SET status = $1, doc = $2, updated_at = $3 WHERE id = $4`
	res, err := s.db.ExecContext(ctx, query, string(env.Status), string(doc), env.UpdatedAt, env.ID)
	if err != nil {
		return fmt.Errorf("update envelope: %w", err)
	}
	return requireAffected(res, ErrNotFound)
}

// Signers returns the signer store view.
func (s *SQL) Signers() SignerStore { return (*sqlSigners)(s) }

// Tokens returns the token store view.
func (s *SQL) Tokens() TokenStore { return (*sqlTokens)(s) }

// Consents returns the consent store view.
func (s *SQL) Consents() ConsentStore { return (*sqlConsents)(s) }

// Signatures returns the signature store view.
func (s *SQL) Signatures() SignatureStore { return (*sqlSignatures)(s) }

// --- SignerStore ---

type sqlSigners SQL

func (s *sqlSigners) Create(ctx context.Context, sg *envelope.Signer) error {
	doc, err := json.Marshal(sg)
	if err != nil {
		return fmt.Errorf("marshal signer: %w", err)
	}
	query := `
		INSERT INTO signers (id, envelope_id, sequence, status, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, sg.ID, sg.EnvelopeID, sg.Sequence, string(sg.Status), string(doc))
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	return requireAffected(res, ErrConditionFailed)
}

func (s *sqlSigners) Get(ctx context.Context, id string) (*envelope.Signer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM signers WHERE id = $1`, id)
	return scanDoc[envelope.Signer](row)
}

func (s *sqlSigners) Update(ctx context.Context, sg *envelope.Signer) error {
	doc, err := json.Marshal(sg)
	if err != nil {
		return fmt.Errorf("marshal signer: %w", err)
	}
	query := `UPDATE signers SET status = $1, doc = $2 WHERE id = $3`
	res, err := s.db.ExecContext(ctx, query, string(sg.Status), string(doc), sg.ID)
	if err != nil {
		return fmt.Errorf("update signer: %w", err)
	}
	return requireAffected(res, ErrNotFound)
}

func (s *sqlSigners) ListByEnvelope(ctx context.Context, envelopeID string) ([]envelope.Signer, error) {
	query := `SELECT doc FROM signers WHERE envelope_id = $1 ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []envelope.Signer
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sg envelope.Signer
		if err := json.Unmarshal([]byte(doc), &sg); err != nil {
			return nil, fmt.Errorf("corrupt signer doc: %w", err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// --- TokenStore ---

type sqlTokens SQL

func (s *sqlTokens) Create(ctx context.Context, t *envelope.InvitationToken) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	query := `
		INSERT INTO invitation_tokens (id, envelope_id, signer_id, token_hash, status, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		t.ID, t.EnvelopeID, t.SignerID, t.TokenHash, string(t.Status), string(doc))
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return requireAffected(res, ErrConditionFailed)
}

func (s *sqlTokens) Get(ctx context.Context, id string) (*envelope.InvitationToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM invitation_tokens WHERE id = $1`, id)
	return scanDoc[envelope.InvitationToken](row)
}

func (s *sqlTokens) GetByHash(ctx context.Context, tokenHash string) (*envelope.InvitationToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM invitation_tokens WHERE token_hash = $1`, tokenHash)
	return scanDoc[envelope.InvitationToken](row)
}

func (s *sqlTokens) Update(ctx context.Context, t *envelope.InvitationToken) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	query := `UPDATE invitation_tokens SET status = $1, doc = $2 WHERE id = $3`
	res, err := s.db.ExecContext(ctx, query, string(t.Status), string(doc), t.ID)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	return requireAffected(res, ErrNotFound)
}

func (s *sqlTokens) ListByEnvelope(ctx context.Context, envelopeID string, limit int, cursor string) (*TokenPage, error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT doc FROM invitation_tokens
		WHERE envelope_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, envelopeID, after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	page := &TokenPage{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t envelope.InvitationToken
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, fmt.Errorf("corrupt token doc: %w", err)
		}
		page.Items = append(page.Items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.NextCursor = EncodeCursor(page.Items[limit-1].ID)
	}
	return page, nil
}

// --- ConsentStore ---

type sqlConsents SQL

func (s *sqlConsents) Create(ctx context.Context, c *envelope.Consent) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal consent: %w", err)
	}
	query := `
		INSERT INTO consents (id, envelope_id, signer_id, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, c.ID, c.EnvelopeID, c.SignerID, string(doc))
	if err != nil {
		return fmt.Errorf("create consent: %w", err)
	}
	return requireAffected(res, ErrConditionFailed)
}

func (s *sqlConsents) Get(ctx context.Context, id string) (*envelope.Consent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM consents WHERE id = $1`, id)
	return scanDoc[envelope.Consent](row)
}

// --- SignatureStore ---

type sqlSignatures SQL

func (s *sqlSignatures) Create(ctx context.Context, sig *envelope.Signature) error {
	doc, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signature: %w", err)
	}
	// The (envelope_id, signer_id) primary key enforces exactly one
	// signature per signer; losing the conditional insert is a Conflict
	// for the caller.
	query := `
		INSERT INTO signatures (id, envelope_id, signer_id, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (envelope_id, signer_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, sig.ID, sig.EnvelopeID, sig.SignerID, string(doc))
	if err != nil {
		return fmt.Errorf("create signature: %w", err)
	}
	return requireAffected(res, ErrConditionFailed)
}

func (s *sqlSignatures) GetBySigner(ctx context.Context, envelopeID, signerID string) (*envelope.Signature, error) {
	query := `SELECT doc FROM signatures WHERE envelope_id = $1 AND signer_id = $2`
	row := s.db.QueryRowContext(ctx, query, envelopeID, signerID)
	return scanDoc[envelope.Signature](row)
}

// --- helpers ---

func scanDoc[T any](row *sql.Row) (*T, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("corrupt stored doc: %w", err)
	}
	return &v, nil
}

func requireAffected(res sql.Result, condErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return condErr
	}
	return nil
}
