package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"photovault/internal/models"
)

const (
	DefaultInfoCacheTTL = 10 * time.Minute
	DefaultInfoCacheMB  = 64
)

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	CacheTTL      time.Duration
	CacheMB       int
	DefaultBucket string
	Logger        *slog.Logger
	Registerer    prometheus.Registerer
}

// Content is an open object stream plus the headers a client needs.
type Content struct {
	io.ReadCloser
	ID          string
	Filename    string
	ContentType string
	Size        int64
	Variant     models.Variant
}

// Reader serves stored objects by id and variant.
type Reader struct {
	blobs         BlobStore
	legacy        *LegacyResolver
	cache         *bigcache.BigCache
	defaultBucket string
	logger        *slog.Logger
	reads         *prometheus.CounterVec

	// mu orders cache fills against deletes so a delete never leaves a stale
	// entry behind.
	mu sync.RWMutex
}

// NewReader creates a reader over blobs.
func NewReader(blobs BlobStore, opts ReaderOptions) (*Reader, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultInfoCacheTTL
	}
	size := opts.CacheMB
	if size <= 0 {
		size = DefaultInfoCacheMB
	}

	config := bigcache.DefaultConfig(ttl)
	config.Shards = 64
	config.MaxEntriesInWindow = 10000
	config.MaxEntrySize = 512
	config.CleanWindow = min(ttl, time.Minute)
	config.HardMaxCacheSize = size
	config.Verbose = false
	cache, err := bigcache.NewBigCache(config)
	if err != nil {
		return nil, fmt.Errorf("create info cache: %w", err)
	}

	bucket, err := models.NormalizeBucket(opts.DefaultBucket, models.DefaultBucket)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Reader{
		blobs:         blobs,
		legacy:        NewLegacyResolver(blobs),
		cache:         cache,
		defaultBucket: bucket,
		logger:        logger.With("component", "blob_reader"),
		reads: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "photovault",
			Name:      "blob_reads_total",
			Help:      "Blob stream requests by requested variant and result.",
		}, []string{"variant", "result"}),
	}, nil
}

// Close releases the info cache.
func (r *Reader) Close() error {
	return r.cache.Close()
}

// Stream opens the requested variant of an object. A thumbnail request falls
// back to the original when no thumbnail is stored.
func (r *Reader) Stream(ctx context.Context, id, variant, bucket string) (*Content, error) {
	v, err := models.ParseVariant(variant)
	if err != nil {
		return nil, err
	}
	if !models.ValidObjectID(id) {
		return nil, fmt.Errorf("%w: invalid object id %q", models.ErrInvalidArgument, id)
	}
	bucket, err = models.NormalizeBucket(bucket, r.defaultBucket)
	if err != nil {
		return nil, err
	}

	if v == models.VariantThumbnail {
		rc, info, err := r.blobs.Get(ctx, models.VariantID(id, v), bucket)
		switch {
		case err == nil:
			r.reads.WithLabelValues(string(v), "ok").Inc()
			return newContent(rc, info, v), nil
		case !errors.Is(err, models.ErrNotFound):
			r.reads.WithLabelValues(string(v), "error").Inc()
			return nil, err
		}
		r.logger.Debug("thumbnail missing, serving original", "id", id, "bucket", bucket)
	}

	rc, info, err := r.blobs.Get(ctx, id, bucket)
	if err != nil {
		result := "error"
		if errors.Is(err, models.ErrNotFound) {
			result = "not_found"
		}
		r.reads.WithLabelValues(string(v), result).Inc()
		return nil, err
	}
	result := "ok"
	if v != models.VariantOriginal {
		result = "fallback"
	}
	r.reads.WithLabelValues(string(v), result).Inc()
	return newContent(rc, info, models.VariantOriginal), nil
}

func newContent(rc io.ReadCloser, info models.ObjectInfo, v models.Variant) *Content {
	return &Content{
		ReadCloser:  rc,
		ID:          info.ID,
		Filename:    info.Filename,
		ContentType: info.ContentType,
		Size:        info.SizeBytes,
		Variant:     v,
	}
}

// Info returns object metadata, served from cache when possible.
func (r *Reader) Info(ctx context.Context, id, bucket string) (models.ObjectInfo, error) {
	if !models.ValidObjectID(id) {
		return models.ObjectInfo{}, fmt.Errorf("%w: invalid object id %q", models.ErrInvalidArgument, id)
	}
	bucket, err := models.NormalizeBucket(bucket, r.defaultBucket)
	if err != nil {
		return models.ObjectInfo{}, err
	}
	key := cacheKey(bucket, id)

	if cached, err := r.cache.Get(key); err == nil {
		var info models.ObjectInfo
		if err := json.Unmarshal(cached, &info); err == nil {
			return info, nil
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	info, err := r.blobs.Stat(ctx, id, bucket)
	if err != nil {
		return models.ObjectInfo{}, err
	}
	if data, err := json.Marshal(info); err == nil {
		if err := r.cache.Set(key, data); err != nil {
			r.logger.Debug("info cache set failed", "id", id, "error", err)
		}
	}
	return info, nil
}

// Delete removes an object and its variants and drops cached metadata.
// Deleting a missing object succeeds.
func (r *Reader) Delete(ctx context.Context, id, bucket string) error {
	if !models.ValidObjectID(id) {
		return fmt.Errorf("%w: invalid object id %q", models.ErrInvalidArgument, id)
	}
	bucket, err := models.NormalizeBucket(bucket, r.defaultBucket)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.blobs.Delete(ctx, id, bucket); err != nil {
		return err
	}
	for _, key := range []string{cacheKey(bucket, id), cacheKey(bucket, models.VariantID(id, models.VariantThumbnail))} {
		if err := r.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			r.logger.Debug("info cache delete failed", "key", key, "error", err)
		}
	}
	return nil
}

// Search lists objects matching q.
func (r *Reader) Search(ctx context.Context, q Query, bucket string) ([]models.ObjectInfo, error) {
	if q.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be >= 0", models.ErrInvalidArgument)
	}
	return r.blobs.Find(ctx, q, bucket)
}

// Resolve maps an id or a legacy reference to object metadata.
func (r *Reader) Resolve(ctx context.Context, ref, bucket string) (models.ObjectInfo, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.ObjectInfo{}, fmt.Errorf("%w: ref is required", models.ErrInvalidArgument)
	}
	if models.ValidObjectID(ref) {
		return r.Info(ctx, ref, bucket)
	}
	return r.legacy.Resolve(ctx, ref, bucket)
}

func cacheKey(bucket, id string) string {
	return bucket + "/" + id
}
