package blobstore

import (
	"context"
	"io"

	"photovault/internal/models"
	"photovault/internal/store"
)

// PutOptions carries the descriptive fields of a new object.
type PutOptions struct {
	Filename    string
	ContentType string
	Metadata    map[string]string
	Bucket      string
}

// Query narrows Find. Empty fields do not filter.
type Query struct {
	// Filename matches as a case-insensitive substring.
	Filename string
	// ContentType matches as a case-insensitive substring.
	ContentType string
	OwnerID     string
	// Pattern is a case-insensitive glob over the filename, e.g. "roof*.jpg".
	Pattern  string
	Metadata map[string]string
	Limit    int
}

// BlobStore is the durable object storage surface used by the assembler and
// the reader.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader, opts PutOptions) (models.ObjectInfo, error)
	PutVariant(ctx context.Context, originalID string, variant models.Variant, r io.Reader, opts PutOptions) (models.ObjectInfo, error)
	Get(ctx context.Context, id, bucket string) (io.ReadCloser, models.ObjectInfo, error)
	Stat(ctx context.Context, id, bucket string) (models.ObjectInfo, error)
	Delete(ctx context.Context, id, bucket string) error
	Find(ctx context.Context, q Query, bucket string) ([]models.ObjectInfo, error)
}

// ObjectStore is the metadata and segment persistence the segmented store
// runs on.
type ObjectStore interface {
	WriteSegments(ctx context.Context, key string, segments []store.Segment) error
	CommitObject(ctx context.Context, record *store.ObjectRecord) ([]string, error)
	GetObject(ctx context.Context, bucket, id string) (*store.ObjectRecord, error)
	ReadSegment(ctx context.Context, key string, seq int) ([]byte, string, error)
	DeleteObject(ctx context.Context, bucket, id string) ([]string, error)
	DeleteSegments(ctx context.Context, keys ...string) error
	PurgeOrphanSegments(ctx context.Context, keep []string) (int64, error)
	FindObjects(ctx context.Context, bucket string, filter store.ObjectFilter) ([]models.ObjectInfo, error)
}

var _ ObjectStore = (*store.Store)(nil)
