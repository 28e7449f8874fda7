// Package fault defines the domain error taxonomy shared by all SIGIL
// components. Domain errors propagate to callers unchanged; infrastructure
// errors are wrapped with an operation tag via Wrap.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindAccessDenied    Kind = "ACCESS_DENIED"
	KindForbidden       Kind = "FORBIDDEN"
	KindInvalid         Kind = "INVALID"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindEventGeneration Kind = "EVENT_GENERATION_FAILED"
)

// Fault is a classified domain error.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a Fault of the given kind.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Fault {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Fault {
	return New(KindConflict, format, args...)
}

func Forbidden(format string, args ...any) *Fault {
	return New(KindForbidden, format, args...)
}

func Invalid(format string, args ...any) *Fault {
	return New(KindInvalid, format, args...)
}

func RateLimited(format string, args ...any) *Fault {
	return New(KindRateLimited, format, args...)
}

func EventGeneration(format string, args ...any) *Fault {
	return New(KindEventGeneration, format, args...)
}

// AccessDenied returns the single generic access failure. The message is
// deliberately constant: callers must not be able to tell which access
// check failed. The internal reason belongs in logs, never in the error.
func AccessDenied() *Fault {
	return &Fault{Kind: KindAccessDenied, Msg: "access denied"}
}

// OTPInvalid returns the single generic OTP failure. Missing challenge,
// expiry, attempt exhaustion and hash mismatch are all externally
// indistinguishable to prevent enumeration.
func OTPInvalid() *Fault {
	return &Fault{Kind: KindInvalid, Msg: "invalid or expired code"}
}

// KindOf returns the Kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Wrap tags an infrastructure error with the failing operation name.
// Domain Faults pass through unchanged so their Kind stays observable.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
