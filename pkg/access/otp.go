package access

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/Archline-Labs/sigil/pkg/envelope"
	"github.com/Archline-Labs/sigil/pkg/fault"
)

// argon2id parameters for OTP code hashing. Codes are short-lived and low
// entropy, so the salted memory-hard hash is what blocks offline guessing
// of a leaked challenge record.
const (
	otpTime    = 1
	otpMemory  = 64 * 1024
	otpThreads = 4
	otpKeyLen  = 32
	otpSaltLen = 16
)

// OTPResult is the outcome of a verification attempt. RemainingTries is
// populated only on success; failures stay externally uniform.
type OTPResult struct {
	Verified       bool
	RemainingTries int
}

// IssueChallenge attaches a fresh challenge to the signer, replacing any
// previous one. A cleared or exhausted challenge can only be replaced this
// way, never revived.
func (v *Validator) IssueChallenge(ctx context.Context, signer *envelope.Signer, code string, ttl time.Duration, maxAttempts int) error {
	salt := make([]byte, otpSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("otp salt: %w", err)
	}

	signer.Challenge = &envelope.Challenge{
		CodeHash:    hashOTP(code, salt),
		Salt:        hex.EncodeToString(salt),
		ExpiresAt:   v.now().Add(ttl),
		Attempts:    0,
		MaxAttempts: maxAttempts,
	}
	if err := v.signers.Update(ctx, signer); err != nil {
		return fault.Wrap("issue otp challenge", err)
	}
	return nil
}

// VerifyOTP checks a submitted code against the signer's active challenge.
// The order is fixed: missing challenge, then expiry/exhaustion, then hash
// comparison. Every failure path returns the same generic error; only the
// attempt counter differs internally. A match clears the challenge for
// one-time use, and only then does the result differ observably.
func (v *Validator) VerifyOTP(ctx context.Context, signer *envelope.Signer, submitted string) (OTPResult, error) {
	ch := signer.Challenge
	if ch == nil {
		v.log.Warn("otp rejected", "signer_id", signer.ID, "reason", "no active challenge")
		return OTPResult{}, fault.OTPInvalid()
	}

	now := v.now()
	if now.After(ch.ExpiresAt) {
		v.log.Warn("otp rejected", "signer_id", signer.ID, "reason", "challenge expired")
		return OTPResult{}, fault.OTPInvalid()
	}
	if ch.Attempts >= ch.MaxAttempts {
		v.log.Warn("otp rejected", "signer_id", signer.ID, "reason", "attempts exhausted")
		return OTPResult{}, fault.OTPInvalid()
	}

	salt, err := hex.DecodeString(ch.Salt)
	if err != nil {
		return OTPResult{}, fault.Wrap("verify otp", err)
	}

	if subtle.ConstantTimeCompare([]byte(hashOTP(submitted, salt)), []byte(ch.CodeHash)) != 1 {
		ch.Attempts++
		if err := v.signers.Update(ctx, signer); err != nil {
			return OTPResult{}, fault.Wrap("verify otp", err)
		}
		v.log.Warn("otp rejected", "signer_id", signer.ID, "reason", "code mismatch",
			"attempts", ch.Attempts, "max_attempts", ch.MaxAttempts)
		return OTPResult{}, fault.OTPInvalid()
	}

	remaining := ch.MaxAttempts - ch.Attempts
	signer.Challenge = nil
	if err := v.signers.Update(ctx, signer); err != nil {
		return OTPResult{}, fault.Wrap("verify otp", err)
	}
	return OTPResult{Verified: true, RemainingTries: remaining}, nil
}

func hashOTP(code string, salt []byte) string {
	sum := argon2.IDKey([]byte(code), salt, otpTime, otpMemory, otpThreads, otpKeyLen)
	return hex.EncodeToString(sum)
}
