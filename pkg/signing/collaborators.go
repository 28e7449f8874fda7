package signing

import (
	"context"
	"time"
)

// SignResponse is the result of one asymmetric signing call.
type SignResponse struct {
	SignatureBytes []byte
	SignatureHash  string // SHA-256 hex of SignatureBytes
	SignedAt       time.Time
}

// SignerInfo identifies the signing party on a certificate request.
type SignerInfo struct {
	Name  string
	Email string
}

// SigningService is the asymmetric signing collaborator.
type SigningService interface {
	Sign(ctx context.Context, documentHash, keyID, algorithm string) (*SignResponse, error)
	CertificateChain(ctx context.Context, keyID string, info SignerInfo) ([][]byte, error)
}

// DocumentManager is the downstream document-management collaborator that
// receives the final signed artifact. Notification is best effort: the
// orchestrator retries a bounded number of times and then falls back to an
// async event.
type DocumentManager interface {
	StoreFinalSignedPDF(ctx context.Context, documentID, envelopeID string, content []byte, signatureHash string, signedAt time.Time) error
}

// ProfileService resolves profile data for internally-identified signers.
type ProfileService interface {
	DateOfBirth(ctx context.Context, userID string) (time.Time, error)
}

// DocumentPreparer produces the canonical document bytes to sign when the
// caller did not supply a pre-rendered payload: fetch the source document
// and flatten it into its final form.
type DocumentPreparer interface {
	Prepare(ctx context.Context, envelopeID, sourceKey string) ([]byte, error)
}

// SignatureEmbedder embeds a signature visually and cryptographically into
// the prepared document.
type SignatureEmbedder interface {
	Embed(ctx context.Context, document []byte, signature *SignResponse, chain [][]byte, info SignerInfo) ([]byte, error)
}
