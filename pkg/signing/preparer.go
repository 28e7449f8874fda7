package signing

import (
	"context"
	"fmt"

	"github.com/Archline-Labs/sigil/pkg/blob"
)

// BlobPreparer satisfies DocumentPreparer by fetching the envelope's source
// document from blob storage. The stored source is already the canonical
// render, so no further flattening is applied.
type BlobPreparer struct {
	blobs blob.Store
}

// NewBlobPreparer creates a preparer backed by the given blob store.
func NewBlobPreparer(blobs blob.Store) *BlobPreparer {
	return &BlobPreparer{blobs: blobs}
}

func (p *BlobPreparer) Prepare(ctx context.Context, envelopeID, sourceKey string) ([]byte, error) {
	data, err := p.blobs.Get(ctx, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("fetch source document for envelope %s: %w", envelopeID, err)
	}
	return data, nil
}
