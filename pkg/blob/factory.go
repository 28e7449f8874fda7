package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType represents the type of document storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates a document blob store based on environment variables.
//
// Environment variables:
//   - DOCUMENT_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: Base directory for filesystem store (default: "data")
//
// For S3:
//   - AWS_REGION or DOCUMENT_S3_REGION
//   - DOCUMENT_S3_BUCKET (required)
//   - DOCUMENT_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - DOCUMENT_S3_PREFIX (optional)
//
// For GCS:
//   - DOCUMENT_GCS_BUCKET (required)
//   - DOCUMENT_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("DOCUMENT_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported document storage type: %s", storeType)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "documents"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("DOCUMENT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("DOCUMENT_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("DOCUMENT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg := S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("DOCUMENT_S3_ENDPOINT"),
		Prefix:   os.Getenv("DOCUMENT_S3_PREFIX"),
	}

	return NewS3Store(ctx, cfg)
}
