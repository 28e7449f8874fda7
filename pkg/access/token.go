// Package access resolves whether a caller may act on an envelope and
// validates one-time-password challenges. Both surfaces are deliberately
// leak-free: every access or OTP failure collapses to a single generic
// error; the internal reason is only logged.
package access

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Archline-Labs/sigil/pkg/envelope"
)

// TokenClaims binds a raw invitation token to one envelope and signer.
type TokenClaims struct {
	jwt.RegisteredClaims
	EnvelopeID string `json:"envelope_id"`
	SignerID   string `json:"signer_id"`
}

// TokenMinter issues and parses raw invitation tokens. Raw tokens are
// signed JWTs handed to the external party; only their SHA-256 hash is
// persisted, so a stored token can never be replayed from the database.
type TokenMinter struct {
	secret []byte
	issuer string
}

// NewTokenMinter creates a minter with the given HMAC secret.
func NewTokenMinter(secret []byte) *TokenMinter {
	return &TokenMinter{secret: secret, issuer: "sigil/invitations"}
}

// Mint creates a raw token and its persistable record for one signer.
func (m *TokenMinter) Mint(envelopeID, signerID string, ttl time.Duration, now time.Time) (raw string, rec *envelope.InvitationToken, err error) {
	id := uuid.New().String()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   signerID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		EnvelopeID: envelopeID,
		SignerID:   signerID,
	}

	raw, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("mint invitation token: %w", err)
	}

	rec = &envelope.InvitationToken{
		ID:         id,
		EnvelopeID: envelopeID,
		SignerID:   signerID,
		TokenHash:  HashToken(raw),
		Status:     envelope.TokenActive,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	return raw, rec, nil
}

// Parse validates the raw token's signature and expiry and returns its
// claims. Lookup against the stored record still uses the hash; Parse only
// guards against forged or tampered tokens.
func (m *TokenMinter) Parse(raw string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// HashToken returns the SHA-256 hex digest of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
