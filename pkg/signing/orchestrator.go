// Package signing orchestrates the signing act: access resolution, flow
// preconditions, consent capture, document canonicalization, the
// cryptographic signing call, persistence, downstream notification, audit,
// and envelope completion.
package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/unicode/norm"

	"github.com/Archline-Labs/sigil/pkg/access"
	"github.com/Archline-Labs/sigil/pkg/audit"
	"github.com/Archline-Labs/sigil/pkg/blob"
	"github.com/Archline-Labs/sigil/pkg/envelope"
	"github.com/Archline-Labs/sigil/pkg/events"
	"github.com/Archline-Labs/sigil/pkg/fault"
	"github.com/Archline-Labs/sigil/pkg/observability"
	"github.com/Archline-Labs/sigil/pkg/outbox"
	"github.com/Archline-Labs/sigil/pkg/policy"
	"github.com/Archline-Labs/sigil/pkg/ratelimit"
	"github.com/Archline-Labs/sigil/pkg/store"
)

// EventDocumentFallback is published when the direct document-manager
// notification exhausts its retries. It carries the same payload so the
// notification is never silently lost.
const EventDocumentFallback = "envelope.document_stored_fallback"

const (
	notifyAttempts     = 3
	notifyInitialDelay = time.Second
	defaultMinAge      = 18
)

// NetworkContext captures the caller's network evidence for consent and
// audit records.
type NetworkContext struct {
	IP        string
	UserAgent string
	Country   string
}

// ConsentInfo is the affirmative consent submitted with a signing request.
type ConsentInfo struct {
	Given bool
	Text  string
}

// SignRequest is the single public operation's input.
type SignRequest struct {
	EnvelopeID string
	SignerID   string
	Caller     access.Caller
	// Document optionally carries pre-rendered document bytes; when empty
	// the orchestrator fetches and flattens the envelope's source document.
	Document []byte
	Consent  ConsentInfo
	Network  NetworkContext
}

// SigningResult is returned on success.
type SigningResult struct {
	EnvelopeID    string    `json:"envelope_id"`
	SignerID      string    `json:"signer_id"`
	SignatureID   string    `json:"signature_id"`
	DocumentHash  string    `json:"document_hash"`
	SignatureHash string    `json:"signature_hash"`
	KeyID         string    `json:"key_id"`
	Algorithm     string    `json:"algorithm"`
	SignedAt      time.Time `json:"signed_at"`
	SignedCount   int       `json:"signed_count"`
	TotalSigners  int       `json:"total_signers"`
	Completed     bool      `json:"completed"`
}

// Stores bundles the persistence dependencies of the orchestrator.
type Stores struct {
	Envelopes  store.EnvelopeStore
	Signers    store.SignerStore
	Tokens     store.TokenStore
	Consents   store.ConsentStore
	Signatures store.SignatureStore
	Outbox     outbox.Store
}

// Collaborators bundles the external services. Profiles, Embedder, Policy
// and Obs are optional; the rest are required.
type Collaborators struct {
	Signer   SigningService
	Docs     DocumentManager
	Profiles ProfileService
	Preparer DocumentPreparer
	Embedder SignatureEmbedder
	Blobs    blob.Store
	// Policy, when set, runs the loaded signing rules as an additional
	// precondition. Denials surface as Forbidden.
	Policy *policy.Engine
	// Obs, when set, traces each signing operation and records its RED
	// metrics.
	Obs *observability.Provider
}

// Orchestrator executes the signing sequence.
type Orchestrator struct {
	stores    Stores
	collab    Collaborators
	access    *access.Validator
	lifecycle *envelope.Lifecycle
	validator *events.Validator
	audit     audit.Logger
	limiter   *ratelimit.Limiter

	keyID     string
	algorithm string
	minAge    int

	notifyAttempts uint64
	notifyDelay    time.Duration

	log *slog.Logger
	now func() time.Time
}

// Config tunes the orchestrator.
type Config struct {
	KeyID     string
	Algorithm string
	MinAge    int // 0 means defaultMinAge

	// Notification retry schedule; zero values mean 3 attempts at 1s/2s/4s.
	NotifyAttempts uint64
	NotifyDelay    time.Duration
}

// NewOrchestrator wires an Orchestrator. The audit logger defaults to a
// no-op; the rate limiter may be nil to disable throttling.
func NewOrchestrator(stores Stores, collab Collaborators, av *access.Validator, lc *envelope.Lifecycle, ev *events.Validator, auditLog audit.Logger, limiter *ratelimit.Limiter, cfg Config, log *slog.Logger) *Orchestrator {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	if log == nil {
		log = slog.Default()
	}
	minAge := cfg.MinAge
	if minAge == 0 {
		minAge = defaultMinAge
	}
	if cfg.NotifyAttempts == 0 {
		cfg.NotifyAttempts = notifyAttempts
	}
	if cfg.NotifyDelay == 0 {
		cfg.NotifyDelay = notifyInitialDelay
	}
	return &Orchestrator{
		stores:         stores,
		collab:         collab,
		access:         av,
		lifecycle:      lc,
		validator:      ev,
		audit:          auditLog,
		limiter:        limiter,
		keyID:          cfg.KeyID,
		algorithm:      cfg.Algorithm,
		minAge:         minAge,
		notifyAttempts: cfg.NotifyAttempts,
		notifyDelay:    cfg.NotifyDelay,
		log:            log.With("component", "signing"),
		now:            time.Now,
	}
}

// Sign runs the full signing sequence. Each step's failure aborts the
// remaining steps and surfaces the originating error unchanged; only the
// invitation-token marking and the document-manager notification are best
// effort.
func (o *Orchestrator) Sign(ctx context.Context, req SignRequest) (*SigningResult, error) {
	if o.collab.Obs == nil {
		return o.sign(ctx, req)
	}
	ctx, finish := o.collab.Obs.TrackOperation(ctx, "envelope.sign",
		attribute.String("envelope.id", req.EnvelopeID),
		attribute.String("signer.id", req.SignerID),
	)
	res, err := o.sign(ctx, req)
	finish(err)
	return res, err
}

func (o *Orchestrator) sign(ctx context.Context, req SignRequest) (*SigningResult, error) {
	// 1. Access resolution. Token-based access marks the token "used for
	// signing" asynchronously; the signing path never waits on it.
	res, err := o.access.ResolveAccess(ctx, req.EnvelopeID, req.Caller)
	if err != nil {
		return nil, err
	}
	env := res.Envelope
	if res.Token != nil {
		tokenID := res.Token.ID
		go o.access.MarkTokenUsedForSigning(context.WithoutCancel(ctx), tokenID)
	}

	// 2. Flow preconditions.
	signer, _, err := o.checkPreconditions(ctx, env, req.SignerID)
	if err != nil {
		return nil, err
	}

	// 3. Consent, always before any cryptographic work.
	consent, err := o.recordConsent(ctx, env, signer, req.Consent, req.Network)
	if err != nil {
		return nil, err
	}

	// 4. Canonical document bytes and content hash.
	document, docHash, err := o.prepareDocument(ctx, env, req.Document)
	if err != nil {
		return nil, err
	}

	// 5. Cryptographic signing, embedding, artifact persistence. From here
	// on the workflow must not be abandoned: a signed artifact with stale
	// aggregate state is tolerated by re-drive, not by rollback.
	sig, artifactKey, signedHash, err := o.signAndPersist(ctx, env, signer, document, docHash)
	if err != nil {
		return nil, err
	}

	// 6. Aggregate updates.
	sigRec, err := o.recordSignature(ctx, env, signer, consent, sig, docHash, signedHash, artifactKey)
	if err != nil {
		return nil, err
	}

	// 7. Downstream notification, bounded retries then async fallback.
	o.notifyDocumentManager(ctx, env, signer, document, sigRec)

	// 8. Audit evidence.
	if err := o.audit.Record(ctx, audit.Event{
		TenantID:   env.TenantID,
		ActorID:    signer.ID,
		Type:       audit.EventSigning,
		Action:     "envelope.sign",
		EnvelopeID: env.ID,
		SignerID:   signer.ID,
		Metadata: map[string]interface{}{
			"document_hash":  docHash,
			"signature_hash": sigRec.SignatureHash,
			"key_id":         sigRec.KeyID,
			"ip":             req.Network.IP,
			"user_agent":     req.Network.UserAgent,
		},
	}); err != nil {
		o.log.Warn("audit append failed", "envelope_id", env.ID, "error", err)
	}

	// 9. Completion check on fresh state.
	completed, signed, total, err := o.completeIfFullySigned(ctx, env.ID)
	if err != nil {
		return nil, err
	}

	return &SigningResult{
		EnvelopeID:    env.ID,
		SignerID:      signer.ID,
		SignatureID:   sigRec.ID,
		DocumentHash:  sigRec.DocumentHash,
		SignatureHash: sigRec.SignatureHash,
		KeyID:         sigRec.KeyID,
		Algorithm:     sigRec.Algorithm,
		SignedAt:      sigRec.SignedAt,
		SignedCount:   signed,
		TotalSigners:  total,
		Completed:     completed,
	}, nil
}

// checkPreconditions validates the signing-flow preconditions: membership,
// signer state, envelope state, ordering policy, duplicate signature, rate
// budget, age eligibility for internally-identified signers, and any loaded
// policy rules.
func (o *Orchestrator) checkPreconditions(ctx context.Context, env *envelope.Envelope, signerID string) (*envelope.Signer, []envelope.Signer, error) {
	signer, err := o.stores.Signers.Get(ctx, signerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fault.NotFound("signer %s not found", signerID)
		}
		return nil, nil, fault.Wrap("load signer", err)
	}
	if signer.EnvelopeID != env.ID {
		return nil, nil, fault.NotFound("signer %s not found", signerID)
	}

	if o.limiter != nil {
		if err := o.limiter.Check(ctx, ratelimit.ActionSignAttempt, signer.ID); err != nil {
			return nil, nil, err
		}
	}

	switch env.Status {
	case envelope.StatusSent, envelope.StatusReadyForSignature, envelope.StatusInProgress:
	default:
		return nil, nil, fault.Conflict("envelope %s is %s and cannot accept signatures", env.ID, env.Status)
	}

	switch signer.Status {
	case envelope.SignerSigned:
		return nil, nil, fault.Conflict("signer %s has already signed", signer.ID)
	case envelope.SignerDeclined:
		return nil, nil, fault.Conflict("signer %s has declined", signer.ID)
	}
	if signer.Role != envelope.RoleSigner {
		return nil, nil, fault.Conflict("signer %s is a viewer and cannot sign", signer.ID)
	}

	signers, err := o.stores.Signers.ListByEnvelope(ctx, env.ID)
	if err != nil {
		return nil, nil, fault.Wrap("list signers", err)
	}

	if env.SigningOrder == envelope.OrderSequential {
		for _, s := range signers {
			if s.Role != envelope.RoleSigner || s.ID == signer.ID {
				continue
			}
			if s.Sequence < signer.Sequence && s.Status != envelope.SignerSigned {
				return nil, nil, fault.Conflict("signer %s must wait for signer %s (sequence %d)",
					signer.ID, s.ID, s.Sequence)
			}
		}
	}

	if _, err := o.stores.Signatures.GetBySigner(ctx, env.ID, signer.ID); err == nil {
		return nil, nil, fault.Conflict("signature already exists for signer %s", signer.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fault.Wrap("check existing signature", err)
	}

	if signer.UserID != "" && o.collab.Profiles != nil {
		dob, err := o.collab.Profiles.DateOfBirth(ctx, signer.UserID)
		if err != nil {
			return nil, nil, fault.Wrap("profile lookup", err)
		}
		if age(dob, o.now()) < o.minAge {
			return nil, nil, fault.Forbidden("signer %s does not meet the minimum age", signer.ID)
		}
	}

	if o.collab.Policy != nil {
		if d := o.collab.Policy.EvaluateAll(ctx, "sign", env, signer, o.now()); !d.Allowed {
			o.log.Info("signing denied by policy", "envelope_id", env.ID, "signer_id", signer.ID, "rule_id", d.RuleID)
			return nil, nil, fault.Forbidden("%s", d.Reason)
		}
	}

	return signer, signers, nil
}

// recordConsent persists the immutable consent record. Consent text is
// NFC-normalized before hashing so visually identical text hashes equally.
func (o *Orchestrator) recordConsent(ctx context.Context, env *envelope.Envelope, signer *envelope.Signer, info ConsentInfo, net NetworkContext) (*envelope.Consent, error) {
	if !info.Given {
		return nil, fault.Invalid("consent not given")
	}
	if info.Text == "" {
		return nil, fault.Invalid("consent text is required")
	}

	text := norm.NFC.String(info.Text)
	sum := sha256.Sum256([]byte(text))

	consent := &envelope.Consent{
		ID:         uuid.New().String(),
		EnvelopeID: env.ID,
		SignerID:   signer.ID,
		Given:      true,
		Text:       text,
		TextHash:   hex.EncodeToString(sum[:]),
		GivenAt:    o.now().UTC(),
		IP:         net.IP,
		UserAgent:  net.UserAgent,
		Country:    net.Country,
	}
	if err := o.stores.Consents.Create(ctx, consent); err != nil {
		return nil, fault.Wrap("record consent", err)
	}
	return consent, nil
}

// prepareDocument returns the canonical bytes to sign and their hash.
func (o *Orchestrator) prepareDocument(ctx context.Context, env *envelope.Envelope, supplied []byte) ([]byte, string, error) {
	document := supplied
	if len(document) == 0 {
		if env.SourceKey == "" {
			return nil, "", fault.Invalid("envelope %s has no source document", env.ID)
		}
		if o.collab.Preparer == nil {
			return nil, "", fault.Wrap("prepare document", errors.New("no document preparer configured"))
		}
		prepared, err := o.collab.Preparer.Prepare(ctx, env.ID, env.SourceKey)
		if err != nil {
			return nil, "", fault.Wrap("prepare document", err)
		}
		document = prepared
	}

	sum := sha256.Sum256(document)
	return document, hex.EncodeToString(sum[:]), nil
}

// signAndPersist calls the signing service, embeds the signature, and
// stores the resulting artifact. Returns the signing response, the artifact
// storage key, and the signed artifact's content hash.
func (o *Orchestrator) signAndPersist(ctx context.Context, env *envelope.Envelope, signer *envelope.Signer, document []byte, docHash string) (*SignResponse, string, string, error) {
	sig, err := o.collab.Signer.Sign(ctx, docHash, o.keyID, o.algorithm)
	if err != nil {
		return nil, "", "", fault.Wrap("signing service", err)
	}

	info := SignerInfo{Name: signer.Name, Email: signer.Email}
	chain, err := o.collab.Signer.CertificateChain(ctx, o.keyID, info)
	if err != nil {
		return nil, "", "", fault.Wrap("certificate chain", err)
	}

	artifact := document
	if o.collab.Embedder != nil {
		artifact, err = o.collab.Embedder.Embed(ctx, document, sig, chain, info)
		if err != nil {
			return nil, "", "", fault.Wrap("embed signature", err)
		}
	}

	key := fmt.Sprintf("envelopes/%s/signed/%s.pdf", env.ID, signer.ID)
	if err := o.collab.Blobs.Put(ctx, key, artifact, "application/pdf"); err != nil {
		return nil, "", "", fault.Wrap("persist signed artifact", err)
	}

	sum := sha256.Sum256(artifact)
	return sig, key, hex.EncodeToString(sum[:]), nil
}

// recordSignature creates the signature row, flips the signer to signed,
// links the consent, updates envelope hashes, and emits the signer-signed
// event. The envelope moves to IN_PROGRESS on its first signature.
func (o *Orchestrator) recordSignature(ctx context.Context, env *envelope.Envelope, signer *envelope.Signer, consent *envelope.Consent, sig *SignResponse, docHash, signedHash, artifactKey string) (*envelope.Signature, error) {
	// The signing service is remote in production. Its response is not
	// trusted into the aggregate unchecked.
	if !envelope.ValidHexDigest(sig.SignatureHash) {
		return nil, fault.Invalid("signing service returned malformed signature hash %q", sig.SignatureHash)
	}
	if sig.SignedAt.After(o.now().UTC()) {
		return nil, fault.Invalid("signing service returned future timestamp %s", sig.SignedAt.Format(time.RFC3339))
	}

	rec := &envelope.Signature{
		ID:            uuid.New().String(),
		EnvelopeID:    env.ID,
		SignerID:      signer.ID,
		ConsentID:     consent.ID,
		DocumentHash:  docHash,
		SignatureHash: sig.SignatureHash,
		StorageKey:    artifactKey,
		KeyID:         o.keyID,
		Algorithm:     o.algorithm,
		Status:        envelope.SigSigned,
		SignedAt:      sig.SignedAt,
	}
	if err := o.stores.Signatures.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, fault.Conflict("signature already exists for signer %s", signer.ID)
		}
		return nil, fault.Wrap("create signature", err)
	}

	now := o.now().UTC()
	signer.Status = envelope.SignerSigned
	signer.SignedAt = &now
	if err := o.stores.Signers.Update(ctx, signer); err != nil {
		return nil, fault.Wrap("update signer", err)
	}

	if env.Status == envelope.StatusSent || env.Status == envelope.StatusReadyForSignature {
		if err := o.lifecycle.Transition(env, envelope.StatusInProgress, now); err != nil {
			return nil, err
		}
	}
	if env.FlattenedHash == "" {
		if err := envelope.SetStageHash(&env.FlattenedHash, docHash); err != nil {
			return nil, err
		}
	}
	env.SignedHash = signedHash
	env.SignedKey = artifactKey
	env.UpdatedAt = now
	if err := o.stores.Envelopes.Update(ctx, env); err != nil {
		return nil, fault.Wrap("update envelope", err)
	}

	ev, err := o.lifecycle.NewEvent(env, envelope.EventSignerSigned, now, map[string]any{
		"signer_id":      signer.ID,
		"signature_hash": rec.SignatureHash,
		"document_hash":  docHash,
	})
	if err != nil {
		return nil, err
	}
	if err := o.appendEvent(ctx, ev); err != nil {
		return nil, err
	}

	return rec, nil
}

// notifyDocumentManager delivers the signed artifact downstream: three
// direct attempts backing off 1s/2s/4s, then exactly one fallback event
// carrying the same signature hash. Never fails the signing operation.
func (o *Orchestrator) notifyDocumentManager(ctx context.Context, env *envelope.Envelope, signer *envelope.Signer, document []byte, sig *envelope.Signature) {
	err := Retry(ctx, o.notifyAttempts, o.notifyDelay, func(ctx context.Context) error {
		return o.collab.Docs.StoreFinalSignedPDF(ctx, sig.StorageKey, env.ID, document, sig.SignatureHash, sig.SignedAt)
	})
	if err == nil {
		return
	}

	o.log.Warn("document manager notification exhausted retries, falling back to event",
		"envelope_id", env.ID, "signer_id", signer.ID, "error", err)

	ev, evErr := events.New(uuid.New().String(), EventDocumentFallback, "", o.now().UTC(), map[string]any{
		"envelope_id":    env.ID,
		"signer_id":      signer.ID,
		"storage_key":    sig.StorageKey,
		"signature_hash": sig.SignatureHash,
		"signed_at":      sig.SignedAt.Format(time.RFC3339Nano),
	})
	if evErr == nil {
		evErr = o.appendWire(ctx, ev)
	}
	if evErr != nil {
		o.log.Error("fallback event append failed", "envelope_id", env.ID, "error", evErr)
	}
}

// completeIfFullySigned re-fetches fresh state and transitions the envelope
// to COMPLETED when every required signer has signed.
func (o *Orchestrator) completeIfFullySigned(ctx context.Context, envelopeID string) (completed bool, signed, total int, err error) {
	env, err := o.stores.Envelopes.Get(ctx, envelopeID)
	if err != nil {
		return false, 0, 0, fault.Wrap("refetch envelope", err)
	}
	signers, err := o.stores.Signers.ListByEnvelope(ctx, envelopeID)
	if err != nil {
		return false, 0, 0, fault.Wrap("list signers", err)
	}

	signed, total = envelope.SignerProgress(signers)
	if !envelope.FullySigned(signers) {
		return false, signed, total, nil
	}
	// A concurrent signer may have completed the envelope between this
	// signer's persistence and the refetch. That is success, not a conflict;
	// the winner already emitted envelope.completed.
	if env.Status == envelope.StatusCompleted {
		return true, signed, total, nil
	}

	now := o.now().UTC()
	if err := o.lifecycle.Complete(env, signers, now); err != nil {
		return false, signed, total, err
	}
	if err := o.stores.Envelopes.Update(ctx, env); err != nil {
		return false, signed, total, fault.Wrap("update envelope", err)
	}

	ev, err := o.lifecycle.NewEvent(env, envelope.EventCompleted, now, map[string]any{
		"signed_hash": env.SignedHash,
	})
	if err != nil {
		return false, signed, total, err
	}
	if err := o.appendEvent(ctx, ev); err != nil {
		return false, signed, total, err
	}
	return true, signed, total, nil
}

// appendEvent converts a domain event to its wire envelope and appends it
// to the outbox.
func (o *Orchestrator) appendEvent(ctx context.Context, dev *envelope.DomainEvent) error {
	payload := map[string]any{
		"envelope_id": dev.EnvelopeID,
		"tenant_id":   dev.TenantID,
	}
	for k, v := range dev.Data {
		payload[k] = v
	}

	ev, err := events.New(dev.ID, string(dev.Type), "", dev.OccurredAt, payload)
	if err != nil {
		return err
	}
	return o.appendWire(ctx, ev)
}

func (o *Orchestrator) appendWire(ctx context.Context, ev *events.Envelope) error {
	if o.validator != nil {
		if err := o.validator.Validate(ev); err != nil {
			return err
		}
	}
	rec, err := outbox.NewRecord(ev)
	if err != nil {
		return err
	}
	if err := o.stores.Outbox.Append(ctx, rec); err != nil {
		return fault.Wrap("append outbox", err)
	}
	return nil
}

func age(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	anniversary := dob.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
	}
	return years
}
