// Package storage provides the archive object store for the metering
// service.
//
// Two implementations exist:
// - LocalArchive: filesystem storage for development
// - R2Archive: Cloudflare R2 (S3-compatible) storage for production
//
// The archive holds ledger exports and visitor compliance exports written
// by the retention jobs. Objects are written once and never modified.
package storage

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Archive is the write-once object store the retention jobs export to.
type Archive interface {
	// Put stores an object at key. Archive objects are immutable:
	// writing to an existing key returns ErrKeyExists.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// Get retrieves an object. Returns ErrNotFound for unknown keys.
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)

	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// ObjectInfo describes a stored archive object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound indicates no object exists at the requested key.
	ErrNotFound = errors.New("object not found")

	// ErrKeyExists indicates an attempt to overwrite an archive object.
	ErrKeyExists = errors.New("object already exists")

	// ErrInvalidKey indicates an empty or path-traversing key.
	ErrInvalidKey = errors.New("invalid object key")
)

// ArchiveError wraps a failed archive operation with its key.
type ArchiveError struct {
	Op  string
	Key string
	Err error
}

func (e *ArchiveError) Error() string {
	return "storage: " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Configuration
// =============================================================================

const (
	// ProviderLocal identifies the local filesystem archive.
	ProviderLocal = "local"

	// ProviderR2 identifies the Cloudflare R2 archive.
	ProviderR2 = "r2"
)

// LocalConfig holds configuration for the filesystem archive.
type LocalConfig struct {
	// BasePath is the root directory archives are written under.
	BasePath string
}

// R2Config holds configuration for the Cloudflare R2 archive.
type R2Config struct {
	// AccountID is the Cloudflare account ID; the R2 endpoint is derived
	// from it.
	AccountID string

	// AccessKeyID is the R2 API access key ID.
	AccessKeyID string

	// SecretAccessKey is the R2 API secret key.
	SecretAccessKey string

	// BucketName is the R2 bucket archives are written to.
	BucketName string

	// Region is the region string the AWS SDK requires. R2 accepts any
	// value; defaults to "auto".
	Region string
}
