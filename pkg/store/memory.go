package store

import (
	"context"
	"encoding/base64"
	"sort"
	"sync"

	"github.com/Archline-Labs/sigil/pkg/envelope"
	"github.com/Archline-Labs/sigil/pkg/idempotency"
	"github.com/Archline-Labs/sigil/pkg/outbox"
)

// Memory is an in-memory implementation of every store contract. It mirrors
// the conditional-write semantics of the SQL stores and is the default for
// tests and local development.
type Memory struct {
	mu          sync.Mutex
	envelopes   map[string]envelope.Envelope
	signers     map[string]envelope.Signer
	tokens      map[string]envelope.InvitationToken
	consents    map[string]envelope.Consent
	signatures  map[string]envelope.Signature // keyed envelopeID+"/"+signerID
	outbox      map[string]outbox.Record
	outboxOrder []string
	idem        map[string]idempotency.Record

	// ChangeFeed, when set, receives an insert event for every appended
	// outbox row, emulating the storage engine's change stream.
	ChangeFeed func(outbox.ChangeEvent)
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		envelopes:  make(map[string]envelope.Envelope),
		signers:    make(map[string]envelope.Signer),
		tokens:     make(map[string]envelope.InvitationToken),
		consents:   make(map[string]envelope.Consent),
		signatures: make(map[string]envelope.Signature),
		outbox:     make(map[string]outbox.Record),
		idem:       make(map[string]idempotency.Record),
	}
}

// --- EnvelopeStore ---

func (m *Memory) Create(ctx context.Context, env *envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.envelopes[env.ID]; ok {
		return ErrConditionFailed
	}
	m.envelopes[env.ID] = *env
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envelopes[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := env
	return &out, nil
}

func (m *Memory) Update(ctx context.Context, env *envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.envelopes[env.ID]; !ok {
		return ErrNotFound
	}
	m.envelopes[env.ID] = *env
	return nil
}

// Signers returns the signer sub-store view.
func (m *Memory) Signers() SignerStore { return (*memorySigners)(m) }

// Tokens returns the token sub-store view.
func (m *Memory) Tokens() TokenStore { return (*memoryTokens)(m) }

// Consents returns the consent sub-store view.
func (m *Memory) Consents() ConsentStore { return (*memoryConsents)(m) }

// Signatures returns the signature sub-store view.
func (m *Memory) Signatures() SignatureStore { return (*memorySignatures)(m) }

// Outbox returns the outbox sub-store view.
func (m *Memory) Outbox() outbox.Store { return (*memoryOutbox)(m) }

// Idempotency returns the idempotency sub-store view.
func (m *Memory) Idempotency() idempotency.Store { return (*memoryIdem)(m) }

// --- SignerStore ---

type memorySigners Memory

func (m *memorySigners) Create(ctx context.Context, s *envelope.Signer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signers[s.ID]; ok {
		return ErrConditionFailed
	}
	m.signers[s.ID] = cloneSigner(s)
	return nil
}

func (m *memorySigners) Get(ctx context.Context, id string) (*envelope.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneSigner(&s)
	return &out, nil
}

func (m *memorySigners) Update(ctx context.Context, s *envelope.Signer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signers[s.ID]; !ok {
		return ErrNotFound
	}
	m.signers[s.ID] = cloneSigner(s)
	return nil
}

func (m *memorySigners) ListByEnvelope(ctx context.Context, envelopeID string) ([]envelope.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []envelope.Signer
	for _, s := range m.signers {
		if s.EnvelopeID == envelopeID {
			out = append(out, cloneSigner(&s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func cloneSigner(s *envelope.Signer) envelope.Signer {
	out := *s
	if s.Challenge != nil {
		ch := *s.Challenge
		out.Challenge = &ch
	}
	return out
}

// --- TokenStore ---

type memoryTokens Memory

func (m *memoryTokens) Create(ctx context.Context, t *envelope.InvitationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.ID]; ok {
		return ErrConditionFailed
	}
	m.tokens[t.ID] = *t
	return nil
}

func (m *memoryTokens) Get(ctx context.Context, id string) (*envelope.InvitationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := t
	return &out, nil
}

func (m *memoryTokens) GetByHash(ctx context.Context, tokenHash string) (*envelope.InvitationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == tokenHash {
			out := t
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryTokens) Update(ctx context.Context, t *envelope.InvitationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.ID]; !ok {
		return ErrNotFound
	}
	m.tokens[t.ID] = *t
	return nil
}

func (m *memoryTokens) ListByEnvelope(ctx context.Context, envelopeID string, limit int, cursor string) (*TokenPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []envelope.InvitationToken
	for _, t := range m.tokens {
		if t.EnvelopeID == envelopeID {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	page := &TokenPage{}
	for _, t := range all {
		if after != "" && t.ID <= after {
			continue
		}
		if len(page.Items) == limit {
			page.NextCursor = EncodeCursor(page.Items[limit-1].ID)
			break
		}
		page.Items = append(page.Items, t)
	}
	return page, nil
}

// --- ConsentStore ---

type memoryConsents Memory

func (m *memoryConsents) Create(ctx context.Context, c *envelope.Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consents[c.ID]; ok {
		return ErrConditionFailed
	}
	m.consents[c.ID] = *c
	return nil
}

func (m *memoryConsents) Get(ctx context.Context, id string) (*envelope.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consents[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := c
	return &out, nil
}

// --- SignatureStore ---

type memorySignatures Memory

func (m *memorySignatures) Create(ctx context.Context, s *envelope.Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.EnvelopeID + "/" + s.SignerID
	if _, ok := m.signatures[key]; ok {
		return ErrConditionFailed
	}
	m.signatures[key] = *s
	return nil
}

func (m *memorySignatures) GetBySigner(ctx context.Context, envelopeID, signerID string) (*envelope.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signatures[envelopeID+"/"+signerID]
	if !ok {
		return nil, ErrNotFound
	}
	out := s
	return &out, nil
}

// --- outbox.Store ---

type memoryOutbox Memory

func (m *memoryOutbox) Append(ctx context.Context, rec *outbox.Record) error {
	m.mu.Lock()
	if _, ok := m.outbox[rec.ID]; ok {
		m.mu.Unlock()
		return ErrConditionFailed
	}
	m.outbox[rec.ID] = *rec
	m.outboxOrder = append(m.outboxOrder, rec.ID)
	feed := m.ChangeFeed
	m.mu.Unlock()

	if feed != nil {
		img := *rec
		feed(outbox.ChangeEvent{EventName: outbox.ChangeInsert, NewImage: &img})
	}
	return nil
}

func (m *memoryOutbox) ListPending(ctx context.Context, limit int) ([]outbox.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []outbox.Record
	for _, id := range m.outboxOrder {
		rec := m.outbox[id]
		if rec.Status != outbox.StatusPending {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryOutbox) CountByStatus(ctx context.Context, status outbox.DispatchStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.outbox {
		if rec.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memoryOutbox) MarkDispatched(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = outbox.StatusDispatched
	m.outbox[id] = rec
	return nil
}

func (m *memoryOutbox) MarkFailed(ctx context.Context, id string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == outbox.StatusDispatched {
		return nil
	}
	rec.Status = outbox.StatusFailed
	rec.Attempts = attempts
	m.outbox[id] = rec
	return nil
}

// --- idempotency.Store ---

type memoryIdem Memory

func (m *memoryIdem) Reserve(ctx context.Context, rec *idempotency.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.idem[rec.Key]; ok && rec.CreatedAt.Before(existing.ExpiresAt) {
		return ErrConditionFailed
	}
	m.idem[rec.Key] = *rec
	return nil
}

func (m *memoryIdem) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	return &out, nil
}

func (m *memoryIdem) Complete(ctx context.Context, key string, result []byte, resultErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[key]
	if !ok {
		return ErrNotFound
	}
	rec.State = idempotency.StateCompleted
	rec.Result = result
	rec.ResultErr = resultErr
	m.idem[key] = rec
	return nil
}

// EncodeCursor wraps a row key into an opaque forward cursor.
func EncodeCursor(key string) string {
	return base64.StdEncoding.EncodeToString([]byte(key))
}

// DecodeCursor unwraps a cursor; "" decodes to "".
func DecodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", ErrConditionFailed
	}
	return string(b), nil
}
