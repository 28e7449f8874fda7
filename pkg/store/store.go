// Package store defines the conditional-write persistence contracts for the
// signing aggregates and provides SQL (Postgres/SQLite) and in-memory
// implementations. Concurrency control relies on the store's conditional
// primitives, not in-process locks: Create is put-if-absent, Update is
// update-if-exists, and a failed condition surfaces as ErrConditionFailed
// or ErrNotFound for the caller to translate into a domain fault.
package store

import (
	"context"
	"errors"

	"github.com/Archline-Labs/sigil/pkg/envelope"
)

var (
	// ErrNotFound means the row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConditionFailed means a put-if-absent or guarded update lost.
	ErrConditionFailed = errors.New("store: condition failed")
)

// EnvelopeStore persists Envelope aggregates.
type EnvelopeStore interface {
	Create(ctx context.Context, env *envelope.Envelope) error
	Get(ctx context.Context, id string) (*envelope.Envelope, error)
	Update(ctx context.Context, env *envelope.Envelope) error
}

// SignerStore persists Signers.
type SignerStore interface {
	Create(ctx context.Context, s *envelope.Signer) error
	Get(ctx context.Context, id string) (*envelope.Signer, error)
	Update(ctx context.Context, s *envelope.Signer) error
	ListByEnvelope(ctx context.Context, envelopeID string) ([]envelope.Signer, error)
}

// TokenPage is one page of invitation tokens with a forward cursor.
// NextCursor is opaque; "" means no more pages.
type TokenPage struct {
	Items      []envelope.InvitationToken
	NextCursor string
}

// TokenStore persists invitation tokens, addressable by token hash.
type TokenStore interface {
	Create(ctx context.Context, t *envelope.InvitationToken) error
	Get(ctx context.Context, id string) (*envelope.InvitationToken, error)
	GetByHash(ctx context.Context, tokenHash string) (*envelope.InvitationToken, error)
	Update(ctx context.Context, t *envelope.InvitationToken) error
	ListByEnvelope(ctx context.Context, envelopeID string, limit int, cursor string) (*TokenPage, error)
}

// ConsentStore persists immutable consent records.
type ConsentStore interface {
	Create(ctx context.Context, c *envelope.Consent) error
	Get(ctx context.Context, id string) (*envelope.Consent, error)
}

// SignatureStore persists signature records. Create enforces the
// one-signature-per-(envelope, signer) invariant via a conditional write.
type SignatureStore interface {
	Create(ctx context.Context, s *envelope.Signature) error
	GetBySigner(ctx context.Context, envelopeID, signerID string) (*envelope.Signature, error)
}
