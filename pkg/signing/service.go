package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Archline-Labs/sigil/pkg/access"
	"github.com/Archline-Labs/sigil/pkg/envelope"
	"github.com/Archline-Labs/sigil/pkg/fault"
	"github.com/Archline-Labs/sigil/pkg/idempotency"
	"github.com/Archline-Labs/sigil/pkg/ratelimit"
	"github.com/Archline-Labs/sigil/pkg/store"
)

// Service exposes the envelope workflow operations surrounding the signing
// act: draft creation and mutation, sending, invitations, decline, cancel,
// and lazy expiry.
type Service struct {
	stores    Stores
	access    *access.Validator
	minter    *access.TokenMinter
	lifecycle *envelope.Lifecycle
	limiter   *ratelimit.Limiter
	orch      *Orchestrator

	idem    *idempotency.Executor
	idemTTL time.Duration

	tokenTTL time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewService wires a Service around an orchestrator.
func NewService(orch *Orchestrator, minter *access.TokenMinter, tokenTTL time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = 14 * 24 * time.Hour
	}
	return &Service{
		stores:    orch.stores,
		access:    orch.access,
		minter:    minter,
		lifecycle: orch.lifecycle,
		limiter:   orch.limiter,
		orch:      orch,
		tokenTTL:  tokenTTL,
		log:       log.With("component", "workflow"),
		now:       time.Now,
	}
}

// UseIdempotency attaches an idempotency executor. Signing requests carrying
// a client key are then executed at most once per key within ttl.
func (s *Service) UseIdempotency(exec *idempotency.Executor, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s.idem = exec
	s.idemTTL = ttl
}

// Sign executes the signing sequence for the request.
func (s *Service) Sign(ctx context.Context, req SignRequest) (*SigningResult, error) {
	return s.orch.Sign(ctx, req)
}

// SignIdempotent executes the signing sequence at most once per client key.
// Replays return the first run's result, including its error. Without an
// attached executor the key is ignored and the request runs directly.
func (s *Service) SignIdempotent(ctx context.Context, key string, req SignRequest) (*SigningResult, error) {
	if s.idem == nil || key == "" {
		return s.orch.Sign(ctx, req)
	}

	raw, err := s.idem.Run(ctx, "sign:"+req.EnvelopeID+":"+key, s.idemTTL, func(ctx context.Context) ([]byte, error) {
		res, err := s.orch.Sign(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if err != nil {
		return nil, err
	}

	var res SigningResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode cached signing result: %w", err)
	}
	return &res, nil
}

// CreateEnvelope creates a DRAFT envelope and emits envelope.created.
func (s *Service) CreateEnvelope(ctx context.Context, tenantID, ownerID, title string, order envelope.SigningOrder, expiresAt *time.Time) (*envelope.Envelope, error) {
	if order == "" {
		order = envelope.OrderParallel
	}
	now := s.now().UTC()
	env := &envelope.Envelope{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		OwnerID:      ownerID,
		Title:        title,
		Status:       envelope.StatusDraft,
		SigningOrder: order,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.stores.Envelopes.Create(ctx, env); err != nil {
		return nil, fault.Wrap("create envelope", err)
	}

	ev, err := s.lifecycle.NewEvent(env, envelope.EventCreated, now, nil)
	if err != nil {
		return nil, err
	}
	if err := s.orch.appendEvent(ctx, ev); err != nil {
		return nil, err
	}
	return env, nil
}

// AddSigner attaches a signer to a DRAFT envelope. Signer mutation outside
// DRAFT is a Conflict.
func (s *Service) AddSigner(ctx context.Context, callerID, envelopeID string, role envelope.SignerRole, name, email, userID string, sequence int) (*envelope.Signer, error) {
	env, err := s.access.AuthorizeModify(ctx, envelopeID, callerID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	signer := &envelope.Signer{
		ID:         uuid.New().String(),
		EnvelopeID: env.ID,
		Role:       role,
		Status:     envelope.SignerPending,
		UserID:     userID,
		Email:      email,
		Name:       name,
		Sequence:   sequence,
		CreatedAt:  now,
	}
	if err := s.stores.Signers.Create(ctx, signer); err != nil {
		return nil, fault.Wrap("create signer", err)
	}

	env.SignerIDs = append(env.SignerIDs, signer.ID)
	env.UpdatedAt = now
	if err := s.stores.Envelopes.Update(ctx, env); err != nil {
		return nil, fault.Wrap("update envelope", err)
	}
	return signer, nil
}

// AttachSource records the source document for a DRAFT envelope.
func (s *Service) AttachSource(ctx context.Context, callerID, envelopeID, sourceKey, sourceHash string) error {
	env, err := s.access.AuthorizeModify(ctx, envelopeID, callerID)
	if err != nil {
		return err
	}
	if err := envelope.SetStageHash(&env.SourceHash, sourceHash); err != nil {
		return err
	}
	env.SourceKey = sourceKey
	env.UpdatedAt = s.now().UTC()
	if err := s.stores.Envelopes.Update(ctx, env); err != nil {
		return fault.Wrap("update envelope", err)
	}
	return nil
}

// Send transitions DRAFT -> SENT after validating the send preconditions
// and emits envelope.sent.
func (s *Service) Send(ctx context.Context, callerID, envelopeID string) (*envelope.Envelope, error) {
	env, err := s.access.AuthorizeModify(ctx, envelopeID, callerID)
	if err != nil {
		return nil, err
	}
	signers, err := s.stores.Signers.ListByEnvelope(ctx, env.ID)
	if err != nil {
		return nil, fault.Wrap("list signers", err)
	}
	if err := s.lifecycle.ValidateSend(env, signers); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.lifecycle.Transition(env, envelope.StatusSent, now); err != nil {
		return nil, err
	}
	if err := s.stores.Envelopes.Update(ctx, env); err != nil {
		return nil, fault.Wrap("update envelope", err)
	}

	ev, err := s.lifecycle.NewEvent(env, envelope.EventSent, now, map[string]any{
		"signer_count": len(signers),
	})
	if err != nil {
		return nil, err
	}
	if err := s.orch.appendEvent(ctx, ev); err != nil {
		return nil, err
	}
	return env, nil
}

// Invitation is a freshly minted invitation for an external signer. The raw
// token is returned exactly once and never persisted.
type Invitation struct {
	RawToken string
	Token    *envelope.InvitationToken
	Signer   *envelope.Signer
}

// InviteSigner mints an invitation token for an external signer of a sent
// envelope, rate limited per signer, and emits envelope.signer_invited.
func (s *Service) InviteSigner(ctx context.Context, callerID, envelopeID, signerID string) (*Invitation, error) {
	res, err := s.access.ResolveAccess(ctx, envelopeID, access.Owner{ID: callerID})
	if err != nil {
		return nil, err
	}
	env := res.Envelope
	if env.Status.Terminal() || env.Status == envelope.StatusDraft {
		return nil, fault.Conflict("envelope %s is %s and cannot send invitations", env.ID, env.Status)
	}

	signer, err := s.stores.Signers.Get(ctx, signerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFound("signer %s not found", signerID)
		}
		return nil, fault.Wrap("load signer", err)
	}
	if signer.EnvelopeID != env.ID {
		return nil, fault.NotFound("signer %s not found", signerID)
	}

	if s.limiter != nil {
		if err := s.limiter.Check(ctx, ratelimit.ActionInvite, signer.ID); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	raw, tok, err := s.minter.Mint(env.ID, signer.ID, s.tokenTTL, now)
	if err != nil {
		return nil, fmt.Errorf("mint invitation: %w", err)
	}

	// A re-invite revokes the previous active token and carries the resend
	// count forward.
	page, err := s.stores.Tokens.ListByEnvelope(ctx, env.ID, 0, "")
	if err != nil {
		return nil, fault.Wrap("list invitations", err)
	}
	for i := range page.Items {
		prev := &page.Items[i]
		if prev.SignerID != signer.ID || prev.Status != envelope.TokenActive {
			continue
		}
		tok.ResendCount = prev.ResendCount + 1
		prev.Status = envelope.TokenRevoked
		if err := s.stores.Tokens.Update(ctx, prev); err != nil {
			return nil, fault.Wrap("revoke previous invitation", err)
		}
	}

	if err := s.stores.Tokens.Create(ctx, tok); err != nil {
		return nil, fault.Wrap("store invitation", err)
	}

	if signer.Status == envelope.SignerPending {
		signer.Status = envelope.SignerInvited
		if err := s.stores.Signers.Update(ctx, signer); err != nil {
			return nil, fault.Wrap("update signer", err)
		}
	}

	ev, err := s.lifecycle.NewEvent(env, envelope.EventSignerInvited, now, map[string]any{
		"signer_id": signer.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.orch.appendEvent(ctx, ev); err != nil {
		return nil, err
	}

	return &Invitation{RawToken: raw, Token: tok, Signer: signer}, nil
}

// Decline records a signer's decline with a reason; the envelope reaches
// the terminal DECLINED state and envelope.declined is emitted.
func (s *Service) Decline(ctx context.Context, caller access.Caller, envelopeID, signerID, reason string) error {
	if reason == "" {
		return fault.Invalid("decline reason is required")
	}

	res, err := s.access.ResolveAccess(ctx, envelopeID, caller)
	if err != nil {
		return err
	}
	env := res.Envelope

	signer, err := s.stores.Signers.Get(ctx, signerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fault.NotFound("signer %s not found", signerID)
		}
		return fault.Wrap("load signer", err)
	}
	if signer.EnvelopeID != env.ID {
		return fault.NotFound("signer %s not found", signerID)
	}
	if signer.Status == envelope.SignerSigned {
		return fault.Conflict("signer %s has already signed", signer.ID)
	}

	now := s.now().UTC()
	if err := s.lifecycle.Transition(env, envelope.StatusDeclined, now); err != nil {
		return err
	}

	signer.Status = envelope.SignerDeclined
	if err := s.stores.Signers.Update(ctx, signer); err != nil {
		return fault.Wrap("update signer", err)
	}
	if err := s.stores.Envelopes.Update(ctx, env); err != nil {
		return fault.Wrap("update envelope", err)
	}

	ev, err := s.lifecycle.NewEvent(env, envelope.EventDeclined, now, map[string]any{
		"signer_id": signer.ID,
		"reason":    reason,
	})
	if err != nil {
		return err
	}
	return s.orch.appendEvent(ctx, ev)
}

// Cancel terminates the envelope at the owner's request.
func (s *Service) Cancel(ctx context.Context, callerID, envelopeID string) error {
	res, err := s.access.ResolveAccess(ctx, envelopeID, access.Owner{ID: callerID})
	if err != nil {
		return err
	}
	env := res.Envelope

	now := s.now().UTC()
	if err := s.lifecycle.Transition(env, envelope.StatusCancelled, now); err != nil {
		return err
	}
	if err := s.stores.Envelopes.Update(ctx, env); err != nil {
		return fault.Wrap("update envelope", err)
	}
	return nil
}

// ExpireIfDue lazily expires an envelope whose expiry timestamp has passed.
// Terminal envelopes and unexpired envelopes are left untouched; returns
// whether a transition happened.
func (s *Service) ExpireIfDue(ctx context.Context, env *envelope.Envelope) (bool, error) {
	if env.ExpiresAt == nil || env.Status.Terminal() {
		return false, nil
	}
	now := s.now().UTC()
	if now.Before(*env.ExpiresAt) {
		return false, nil
	}

	if err := s.lifecycle.Transition(env, envelope.StatusExpired, now); err != nil {
		return false, err
	}
	if err := s.stores.Envelopes.Update(ctx, env); err != nil {
		return false, fault.Wrap("update envelope", err)
	}

	ev, err := s.lifecycle.NewEvent(env, envelope.EventExpired, now, nil)
	if err != nil {
		return false, err
	}
	if err := s.orch.appendEvent(ctx, ev); err != nil {
		return false, err
	}
	return true, nil
}
