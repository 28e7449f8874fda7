package access

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Archline-Labs/sigil/pkg/envelope"
	"github.com/Archline-Labs/sigil/pkg/fault"
	"github.com/Archline-Labs/sigil/pkg/store"
)

// Caller is the tagged identity union: either the envelope owner or an
// external party presenting a raw invitation token. Resolution matches on
// the tag, never on optional-field presence.
type Caller interface{ isCaller() }

// Owner identifies an authenticated internal user.
type Owner struct{ ID string }

// ExternalToken carries the raw bearer token of an external signer.
type ExternalToken struct{ Raw string }

func (Owner) isCaller()         {}
func (ExternalToken) isCaller() {}

// Validator resolves access and OTP challenges.
type Validator struct {
	envelopes store.EnvelopeStore
	signers   store.SignerStore
	tokens    store.TokenStore
	minter    *TokenMinter
	log       *slog.Logger
	now       func() time.Time
}

// NewValidator wires a Validator.
func NewValidator(envelopes store.EnvelopeStore, signers store.SignerStore, tokens store.TokenStore, minter *TokenMinter, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{
		envelopes: envelopes,
		signers:   signers,
		tokens:    tokens,
		minter:    minter,
		log:       log.With("component", "access"),
		now:       time.Now,
	}
}

// Resolution is a successful access check. Token is nil for owner access.
type Resolution struct {
	Envelope *envelope.Envelope
	Token    *envelope.InvitationToken
}

// ResolveAccess returns the envelope if the caller may act on it. Owner
// match succeeds unconditionally. A token must reference this exact
// envelope, be unexpired, and be unrevoked; any token failure surfaces the
// same generic AccessDenied, with the real reason logged internally.
func (v *Validator) ResolveAccess(ctx context.Context, envelopeID string, caller Caller) (*Resolution, error) {
	env, err := v.envelopes.Get(ctx, envelopeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFound("envelope %s not found", envelopeID)
		}
		return nil, fault.Wrap("resolve access", err)
	}

	switch c := caller.(type) {
	case Owner:
		if c.ID != "" && c.ID == env.OwnerID {
			return &Resolution{Envelope: env}, nil
		}
		v.log.Warn("access denied", "envelope_id", envelopeID, "reason", "owner mismatch")
		return nil, fault.AccessDenied()

	case ExternalToken:
		tok, reason := v.checkToken(ctx, env, c.Raw)
		if tok == nil {
			v.log.Warn("access denied", "envelope_id", envelopeID, "reason", reason)
			return nil, fault.AccessDenied()
		}
		return &Resolution{Envelope: env, Token: tok}, nil

	default:
		v.log.Warn("access denied", "envelope_id", envelopeID, "reason", "no caller identity")
		return nil, fault.AccessDenied()
	}
}

// checkToken returns the stored token when valid, else ("" token, reason).
func (v *Validator) checkToken(ctx context.Context, env *envelope.Envelope, raw string) (*envelope.InvitationToken, string) {
	if raw == "" {
		return nil, "empty token"
	}
	if _, err := v.minter.Parse(raw); err != nil {
		return nil, "token signature invalid"
	}

	tok, err := v.tokens.GetByHash(ctx, HashToken(raw))
	if err != nil {
		return nil, "token unknown"
	}
	if tok.EnvelopeID != env.ID {
		return nil, "token bound to different envelope"
	}
	if tok.Status == envelope.TokenRevoked {
		return nil, "token revoked"
	}
	now := v.now()
	if tok.Status == envelope.TokenActive && now.After(tok.ExpiresAt) {
		// Lazy expiry, same pattern as envelopes. Best effort: the denial
		// stands even if the status stamp fails.
		tok.Status = envelope.TokenExpired
		if err := v.tokens.Update(ctx, tok); err != nil {
			v.log.Warn("mark token expired", "token_id", tok.ID, "error", err)
		}
		return nil, "token expired"
	}
	if !tok.Usable(now) {
		return nil, "token expired or consumed"
	}
	return tok, ""
}

// AuthorizeModify grants modification/deletion access: the caller must be
// the owner AND the envelope must still permit mutation (DRAFT only).
func (v *Validator) AuthorizeModify(ctx context.Context, envelopeID, callerID string) (*envelope.Envelope, error) {
	res, err := v.ResolveAccess(ctx, envelopeID, Owner{ID: callerID})
	if err != nil {
		return nil, err
	}
	if res.Envelope.Status != envelope.StatusDraft {
		return nil, fault.Conflict("envelope %s is %s and can no longer be modified",
			envelopeID, res.Envelope.Status)
	}
	return res.Envelope, nil
}

// MarkTokenViewed stamps the first-view timestamp, best effort.
func (v *Validator) MarkTokenViewed(ctx context.Context, tok *envelope.InvitationToken) {
	if tok.ViewedAt != nil {
		return
	}
	now := v.now()
	tok.ViewedAt = &now
	if err := v.tokens.Update(ctx, tok); err != nil {
		v.log.Warn("mark token viewed", "token_id", tok.ID, "error", err)
	}
}

// MarkTokenUsedForSigning transitions the token to SIGNED. Called as a
// best-effort side effect during signing: errors are logged and discarded,
// never awaited by the caller's success path.
func (v *Validator) MarkTokenUsedForSigning(ctx context.Context, tokenID string) {
	tok, err := v.tokens.Get(ctx, tokenID)
	if err != nil {
		v.log.Warn("mark token used", "token_id", tokenID, "error", err)
		return
	}
	now := v.now()
	tok.Status = envelope.TokenSigned
	tok.UsedAt = &now
	if err := v.tokens.Update(ctx, tok); err != nil {
		v.log.Warn("mark token used", "token_id", tokenID, "error", err)
	}
}
