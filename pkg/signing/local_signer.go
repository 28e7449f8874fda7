package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Archline-Labs/sigil/pkg/fault"
	"github.com/Archline-Labs/sigil/pkg/keyring"
)

// AlgorithmEd25519 is the only algorithm the local signer supports.
const AlgorithmEd25519 = "Ed25519"

// LocalSigner is a SigningService backed by the file-based keyring. Suitable
// for development and tests; production deployments plug a remote service in
// behind the same interface.
type LocalSigner struct {
	keys *keyring.Keyring
	now  func() time.Time
}

func NewLocalSigner(keys *keyring.Keyring) *LocalSigner {
	return &LocalSigner{keys: keys, now: time.Now}
}

func (s *LocalSigner) Sign(ctx context.Context, documentHash, keyID, algorithm string) (*SignResponse, error) {
	if algorithm != AlgorithmEd25519 {
		return nil, fault.Invalid("unsupported algorithm %q", algorithm)
	}
	digest, err := hex.DecodeString(documentHash)
	if err != nil || len(digest) != sha256.Size {
		return nil, fault.Invalid("malformed document hash %q", documentHash)
	}

	sig, err := s.keys.Sign(keyID, digest)
	if err != nil {
		return nil, fmt.Errorf("local signer: %w", err)
	}

	sum := sha256.Sum256(sig)
	return &SignResponse{
		SignatureBytes: sig,
		SignatureHash:  hex.EncodeToString(sum[:]),
		SignedAt:       s.now().UTC(),
	}, nil
}

// CertificateChain returns the raw public key as a single-element chain.
// The local signer has no CA; verification is done against the keyring.
func (s *LocalSigner) CertificateChain(ctx context.Context, keyID string, info SignerInfo) ([][]byte, error) {
	pub, err := s.keys.PublicKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("local signer: %w", err)
	}
	return [][]byte{pub}, nil
}
