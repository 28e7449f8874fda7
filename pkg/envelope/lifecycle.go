package envelope

import (
	"time"

	"github.com/Archline-Labs/sigil/pkg/fault"
)

// Lifecycle owns the immutable transition and event-validity tables. The
// tables are built once at construction and injected where needed rather
// than referenced as package globals.
type Lifecycle struct {
	transitions map[Status]map[Status]struct{}
	eventStates map[EventType]map[Status]struct{}
}

// NewLifecycle builds the default lifecycle rule tables:
//
//	DRAFT -> SENT -> [READY_FOR_SIGNATURE] -> IN_PROGRESS
//	     -> (COMPLETED | DECLINED | EXPIRED | CANCELLED)
//
// No transition may regress to an earlier state.
func NewLifecycle() *Lifecycle {
	t := map[Status]map[Status]struct{}{
		StatusDraft: set(StatusSent, StatusCancelled, StatusExpired),
		StatusSent: set(StatusReadyForSignature, StatusInProgress,
			StatusDeclined, StatusCancelled, StatusExpired),
		StatusReadyForSignature: set(StatusInProgress, StatusDeclined,
			StatusCancelled, StatusExpired),
		StatusInProgress: set(StatusCompleted, StatusDeclined,
			StatusCancelled, StatusExpired),
		StatusCompleted: {},
		StatusDeclined:  {},
		StatusExpired:   {},
		StatusCancelled: {},
	}

	e := map[EventType]map[Status]struct{}{
		EventCreated:       set(StatusDraft),
		EventSent:          set(StatusSent),
		EventSignerInvited: set(StatusDraft, StatusSent, StatusReadyForSignature),
		EventSignerSigned:  set(StatusSent, StatusReadyForSignature, StatusInProgress, StatusCompleted),
		EventCompleted:     set(StatusCompleted),
		EventDeclined:      set(StatusDeclined),
		EventExpired:       set(StatusExpired),
	}

	return &Lifecycle{transitions: t, eventStates: e}
}

func set(statuses ...Status) map[Status]struct{} {
	m := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		m[s] = struct{}{}
	}
	return m
}

// CanTransition reports whether from -> to is in the transition table.
func (l *Lifecycle) CanTransition(from, to Status) bool {
	_, ok := l.transitions[from][to]
	return ok
}

// Transition moves env to the target status, stamping the matching
// lifecycle timestamp. An invalid pair fails with a Conflict naming
// current and target state; env is left untouched.
func (l *Lifecycle) Transition(env *Envelope, to Status, now time.Time) error {
	if !l.CanTransition(env.Status, to) {
		return fault.Conflict("invalid transition from %s to %s", env.Status, to)
	}

	env.Status = to
	env.UpdatedAt = now
	ts := now
	switch to {
	case StatusSent:
		env.SentAt = &ts
	case StatusCompleted:
		env.CompletedAt = &ts
	case StatusCancelled:
		env.CancelledAt = &ts
	case StatusDeclined:
		env.DeclinedAt = &ts
	case StatusExpired:
		env.ExpiredAt = &ts
	}
	return nil
}

// ValidateSend checks the DRAFT -> SENT preconditions: at least one signer
// with role SIGNER and a source document.
func (l *Lifecycle) ValidateSend(env *Envelope, signers []Signer) error {
	if env.Status != StatusDraft {
		return fault.Conflict("invalid transition from %s to %s", env.Status, StatusSent)
	}
	if env.SourceHash == "" || env.SourceKey == "" {
		return fault.Invalid("envelope %s has no source document", env.ID)
	}
	for _, s := range signers {
		if s.Role == RoleSigner {
			return nil
		}
	}
	return fault.Invalid("envelope %s has no required signers", env.ID)
}

// FullySigned reports whether every required signer has signed. Viewers do
// not count toward completion.
func FullySigned(signers []Signer) bool {
	required := 0
	for _, s := range signers {
		if s.Role != RoleSigner {
			continue
		}
		required++
		if s.Status != SignerSigned {
			return false
		}
	}
	return required > 0
}

// Complete transitions env to COMPLETED. This is the only code path that
// may set COMPLETED, and it requires every required signer to be signed.
func (l *Lifecycle) Complete(env *Envelope, signers []Signer, now time.Time) error {
	if !FullySigned(signers) {
		return fault.Conflict("envelope %s is not fully signed", env.ID)
	}
	return l.Transition(env, StatusCompleted, now)
}

// SignerProgress returns (signed, total) over required signers.
func SignerProgress(signers []Signer) (signed, total int) {
	for _, s := range signers {
		if s.Role != RoleSigner {
			continue
		}
		total++
		if s.Status == SignerSigned {
			signed++
		}
	}
	return signed, total
}

// SetStageHash records a content hash for a pipeline stage. Hashes are
// append-only: overwriting an already-set stage is a Conflict.
func SetStageHash(current *string, next string) error {
	if !ValidHexDigest(next) {
		return fault.Invalid("malformed content hash %q", next)
	}
	if *current != "" && *current != next {
		return fault.Conflict("content hash already set for stage")
	}
	*current = next
	return nil
}
