package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBucket is the namespace photos are stored in.
	DefaultBucket = "photos"

	thumbnailIDPrefix = "thumb-"
	maxBucketLength   = 64
)

// Well-known metadata keys carried on photo objects.
const (
	MetaOwnerID      = "owner_id"
	MetaOriginalName = "original_name"
	MetaUploadedAt   = "uploaded_at"
	MetaClientID     = "client_id"
	MetaVariantOf    = "variant_of"
	MetaVariant      = "variant"
)

// ObjectInfo describes one stored blob object without its bytes.
type ObjectInfo struct {
	ID           string            `json:"id"`
	Bucket       string            `json:"bucket"`
	Filename     string            `json:"filename"`
	ContentType  string            `json:"content_type"`
	SizeBytes    int64             `json:"size_bytes"`
	SHA256       string            `json:"sha256"`
	SegmentSize  int               `json:"segment_size"`
	SegmentCount int               `json:"segment_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// OwnerID returns the owning entity id recorded in metadata.
func (o ObjectInfo) OwnerID() string {
	return o.Metadata[MetaOwnerID]
}

// Variant names a rendition of a stored object.
type Variant string

const (
	VariantOriginal  Variant = "original"
	VariantThumbnail Variant = "thumbnail"
)

// ParseVariant normalizes a requested variant. Empty means original.
func ParseVariant(raw string) (Variant, error) {
	value := Variant(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case "":
		return VariantOriginal, nil
	case VariantOriginal, VariantThumbnail:
		return value, nil
	default:
		return "", fmt.Errorf("%w: invalid variant %q", ErrInvalidArgument, raw)
	}
}

// NewObjectID allocates a fresh object id.
func NewObjectID() string {
	return uuid.NewString()
}

// ValidObjectID reports whether id is a well-formed original object id.
func ValidObjectID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// VariantID returns the deterministic id of a derived rendition.
func VariantID(id string, variant Variant) string {
	if variant == VariantThumbnail {
		return thumbnailIDPrefix + id
	}
	return id
}

// NormalizeBucket trims and lowercases a bucket name, defaulting to fallback.
func NormalizeBucket(raw, fallback string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		value = strings.ToLower(strings.TrimSpace(fallback))
	}
	if value == "" {
		value = DefaultBucket
	}
	if len(value) > maxBucketLength {
		return "", fmt.Errorf("%w: bucket name too long", ErrInvalidArgument)
	}
	for _, r := range value {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return "", fmt.Errorf("%w: invalid bucket %q", ErrInvalidArgument, raw)
		}
	}
	return value, nil
}
