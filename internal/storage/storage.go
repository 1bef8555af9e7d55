// Package storage provides the object storage abstraction for Aiflo.
//
// Two implementations exist: LocalStorage for development and R2Storage for
// production (Cloudflare R2 via the S3-compatible API). Stored objects are
// user uploads, their thumbnails, and generated images.
package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Storage defines the interface for object storage operations. All methods
// are context-aware.
type Storage interface {
	// Put stores data at the specified key. Returns ErrKeyExists if the key
	// is taken and opts.Overwrite is false, ErrTooLarge if data exceeds
	// opts.MaxSize.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get retrieves the object at the key. The caller must close the reader.
	// Returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at the key. Idempotent.
	Delete(ctx context.Context, key string) error

	// URL returns an access URL for the object: permanent when the backend
	// has a public URL, otherwise presigned for the given duration.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Exists reports whether an object exists at the key.
	Exists(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// Data Types
// =============================================================================

// PutOptions configures how an object is stored.
type PutOptions struct {
	// ContentType is the MIME type; auto-detected from the key when empty.
	ContentType string

	// MaxSize caps the object size in bytes. 0 means no limit.
	MaxSize int64

	// Overwrite allows replacing an existing object at the same key.
	Overwrite bool
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// =============================================================================
// Configuration Types
// =============================================================================

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory where objects are stored.
	BasePath string

	// BaseURL is the public URL prefix for serving objects,
	// e.g. "http://localhost:8080/files".
	BaseURL string
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// PublicURL is the bucket's public URL (custom domain). When empty,
	// presigned URLs are used for all access.
	PublicURL string

	// Region defaults to "auto"; R2 is globally distributed.
	Region string
}

// Provider identifiers for configuration.
const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// =============================================================================
// Key Generation Helpers
// =============================================================================

// UploadKey generates a storage key for a user-uploaded attachment.
// Format: uploads/{userID}/{uuid}{ext}
func UploadKey(userID uuid.UUID, filename string) string {
	return fmt.Sprintf("uploads/%s/%s%s", userID, uuid.New(), filepath.Ext(filename))
}

// ThumbnailKey generates a storage key for an attachment thumbnail.
// Format: uploads/{userID}/thumbnails/{uuid}{ext}
func ThumbnailKey(userID uuid.UUID, filename string) string {
	return fmt.Sprintf("uploads/%s/thumbnails/%s%s", userID, uuid.New(), filepath.Ext(filename))
}

// GenerationKey generates a storage key for a generated image.
// Format: generations/{userID}/{uuid}{ext}
func GenerationKey(userID uuid.UUID, contentType string) string {
	return fmt.Sprintf("generations/%s/%s%s", userID, uuid.New(), extensionForContentType(contentType))
}
