// Package envelope holds the document-signing aggregate: the Envelope, its
// Signers, Consents, Signatures, and the lifecycle rules that govern them.
package envelope

import (
	"encoding/hex"
	"time"
)

// Status is the envelope lifecycle state.
type Status string

const (
	StatusDraft             Status = "DRAFT"
	StatusSent              Status = "SENT"
	StatusReadyForSignature Status = "READY_FOR_SIGNATURE"
	StatusInProgress        Status = "IN_PROGRESS"
	StatusCompleted         Status = "COMPLETED"
	StatusDeclined          Status = "DECLINED"
	StatusExpired           Status = "EXPIRED"
	StatusCancelled         Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// SigningOrder is the envelope's signer-ordering policy.
type SigningOrder string

const (
	OrderParallel   SigningOrder = "PARALLEL"
	OrderSequential SigningOrder = "SEQUENTIAL"
)

// SignerRole distinguishes required signers from read-only viewers.
type SignerRole string

const (
	RoleSigner SignerRole = "SIGNER"
	RoleViewer SignerRole = "VIEWER"
)

// SignerStatus is the per-party lifecycle state.
type SignerStatus string

const (
	SignerPending  SignerStatus = "PENDING"
	SignerInvited  SignerStatus = "INVITED"
	SignerActive   SignerStatus = "ACTIVE"
	SignerSigned   SignerStatus = "SIGNED"
	SignerDeclined SignerStatus = "DECLINED"
)

// Envelope is the tenant-scoped aggregate root for one signing transaction.
type Envelope struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	OwnerID      string       `json:"owner_id"`
	Title        string       `json:"title"`
	Status       Status       `json:"status"`
	SigningOrder SigningOrder `json:"signing_order"`

	// Content hashes are append-only once set for a stage.
	SourceHash    string `json:"source_hash,omitempty"`
	FlattenedHash string `json:"flattened_hash,omitempty"`
	SignedHash    string `json:"signed_hash,omitempty"`

	// Object-storage keys for each pipeline stage.
	SourceKey    string `json:"source_key,omitempty"`
	FlattenedKey string `json:"flattened_key,omitempty"`
	SignedKey    string `json:"signed_key,omitempty"`

	SignerIDs []string `json:"signer_ids,omitempty"`

	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	DeclinedAt  *time.Time `json:"declined_at,omitempty"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Challenge is a one-time-password challenge bound to a signer. Once
// cleared on success or exhausted, it cannot be reused; it must be reissued.
type Challenge struct {
	CodeHash    string    `json:"code_hash"`
	Salt        string    `json:"salt"`
	ExpiresAt   time.Time `json:"expires_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
}

// Signer is a participant of exactly one envelope.
type Signer struct {
	ID         string       `json:"id"`
	EnvelopeID string       `json:"envelope_id"`
	Role       SignerRole   `json:"role"`
	Status     SignerStatus `json:"status"`
	UserID     string       `json:"user_id,omitempty"` // internal identity, if any
	Email      string       `json:"email"`
	Name       string       `json:"name"`
	Sequence   int          `json:"sequence"` // signing-order position
	Challenge  *Challenge   `json:"challenge,omitempty"`
	SignedAt   *time.Time   `json:"signed_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// TokenStatus is the invitation-token lifecycle state.
type TokenStatus string

const (
	TokenActive  TokenStatus = "ACTIVE"
	TokenUsed    TokenStatus = "USED"
	TokenExpired TokenStatus = "EXPIRED"
	TokenRevoked TokenStatus = "REVOKED"
	TokenSigned  TokenStatus = "SIGNED"
)

// InvitationToken proves an external signer's authorization. Only the
// SHA-256 hash of the raw bearer token is ever persisted.
type InvitationToken struct {
	ID          string      `json:"id"`
	EnvelopeID  string      `json:"envelope_id"`
	SignerID    string      `json:"signer_id"`
	TokenHash   string      `json:"token_hash"`
	Status      TokenStatus `json:"status"`
	ExpiresAt   time.Time   `json:"expires_at"`
	ResendCount int         `json:"resend_count"`
	UsedAt      *time.Time  `json:"used_at,omitempty"`
	ViewedAt    *time.Time  `json:"viewed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Usable reports whether the token authorizes access at the given time.
func (t *InvitationToken) Usable(now time.Time) bool {
	return t.Status == TokenActive && now.Before(t.ExpiresAt)
}

// Consent is the immutable record of a signer's affirmative consent.
// Created once per signing act; never mutated.
type Consent struct {
	ID         string    `json:"id"`
	EnvelopeID string    `json:"envelope_id"`
	SignerID   string    `json:"signer_id"`
	Given      bool      `json:"given"`
	Text       string    `json:"text"`
	TextHash   string    `json:"text_hash"`
	GivenAt    time.Time `json:"given_at"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Country    string    `json:"country,omitempty"`
}

// SignatureStatus is the signature record state.
type SignatureStatus string

const (
	SigPending SignatureStatus = "PENDING"
	SigSigned  SignatureStatus = "SIGNED"
	SigFailed  SignatureStatus = "FAILED"
)

// Signature is the cryptographic evidence of one signing act. At most one
// exists per (envelope, signer) pair.
type Signature struct {
	ID            string          `json:"id"`
	EnvelopeID    string          `json:"envelope_id"`
	SignerID      string          `json:"signer_id"`
	ConsentID     string          `json:"consent_id,omitempty"`
	DocumentHash  string          `json:"document_hash"`
	SignatureHash string          `json:"signature_hash"`
	StorageKey    string          `json:"storage_key"`
	KeyID         string          `json:"key_id"`
	Algorithm     string          `json:"algorithm"`
	Status        SignatureStatus `json:"status"`
	SignedAt      time.Time       `json:"signed_at"`
}

// HashHexLen is the length of a SHA-256 hex digest.
const HashHexLen = 64

// ValidHexDigest reports whether s is a fixed-length lowercase hex digest.
func ValidHexDigest(s string) bool {
	if len(s) != HashHexLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
