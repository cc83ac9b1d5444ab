package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"photovault/internal/models"
	"photovault/internal/store"
)

const (
	DefaultSegmentBytes = 255 * 1024
	DefaultIOTimeout    = 30 * time.Second

	defaultFindLimit = 100
	maxGetAttempts   = 3
	segmentsPerBatch = 8
)

// Options configures a Segmented store.
type Options struct {
	SegmentBytes  int
	IOTimeout     time.Duration
	DefaultBucket string
	Logger        *slog.Logger
}

// Segmented stores objects as fixed-size, checksummed segments in SQLite.
// Segments of a deleted or replaced object stay readable until the last open
// reader on them closes.
type Segmented struct {
	objects       ObjectStore
	segmentBytes  int
	ioTimeout     time.Duration
	defaultBucket string
	logger        *slog.Logger

	mu      sync.Mutex
	readers map[string]int
	pending map[string]struct{}
}

var _ BlobStore = (*Segmented)(nil)

// NewSegmented creates a segmented store and purges segments left behind by
// interrupted puts and deletes. It must run before any Put on the database.
func NewSegmented(ctx context.Context, objects ObjectStore, opts Options) (*Segmented, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = DefaultSegmentBytes
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = DefaultIOTimeout
	}
	bucket, err := models.NormalizeBucket(opts.DefaultBucket, models.DefaultBucket)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Segmented{
		objects:       objects,
		segmentBytes:  opts.SegmentBytes,
		ioTimeout:     opts.IOTimeout,
		defaultBucket: bucket,
		logger:        logger.With("component", "blobstore"),
		readers:       map[string]int{},
		pending:       map[string]struct{}{},
	}

	purgeCtx, cancel := context.WithTimeout(ctx, s.ioTimeout)
	defer cancel()
	purged, err := objects.PurgeOrphanSegments(purgeCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("purge orphan segments: %w", err)
	}
	if purged > 0 {
		s.logger.Info("purged orphan segments", "count", purged)
	}
	return s, nil
}

// DefaultBucket returns the bucket used when callers pass none.
func (s *Segmented) DefaultBucket() string {
	return s.defaultBucket
}

// Put stores r as a new object under a freshly allocated id.
func (s *Segmented) Put(ctx context.Context, r io.Reader, opts PutOptions) (models.ObjectInfo, error) {
	info, err := s.newInfo(opts)
	if err != nil {
		return models.ObjectInfo{}, err
	}
	info.ID = models.NewObjectID()
	return s.put(ctx, r, info, "")
}

// PutVariant stores a derived rendition of originalID under its deterministic
// variant id, replacing an earlier rendition.
func (s *Segmented) PutVariant(ctx context.Context, originalID string, variant models.Variant, r io.Reader, opts PutOptions) (models.ObjectInfo, error) {
	if variant == models.VariantOriginal {
		return models.ObjectInfo{}, fmt.Errorf("%w: cannot store original as a variant", models.ErrInvalidArgument)
	}
	info, err := s.newInfo(opts)
	if err != nil {
		return models.ObjectInfo{}, err
	}
	if _, err := s.Stat(ctx, originalID, info.Bucket); err != nil {
		return models.ObjectInfo{}, err
	}

	info.ID = models.VariantID(originalID, variant)
	info.Metadata[models.MetaVariantOf] = originalID
	info.Metadata[models.MetaVariant] = string(variant)
	return s.put(ctx, r, info, originalID)
}

func (s *Segmented) newInfo(opts PutOptions) (models.ObjectInfo, error) {
	bucket, err := models.NormalizeBucket(opts.Bucket, s.defaultBucket)
	if err != nil {
		return models.ObjectInfo{}, err
	}
	filename := strings.TrimSpace(opts.Filename)
	if filename == "" {
		return models.ObjectInfo{}, fmt.Errorf("%w: filename is required", models.ErrInvalidArgument)
	}
	contentType := strings.TrimSpace(opts.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := make(map[string]string, len(opts.Metadata)+2)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	return models.ObjectInfo{
		Bucket:      bucket,
		Filename:    filename,
		ContentType: contentType,
		SegmentSize: s.segmentBytes,
		Metadata:    meta,
	}, nil
}

func (s *Segmented) put(ctx context.Context, r io.Reader, info models.ObjectInfo, variantOf string) (models.ObjectInfo, error) {
	if r == nil {
		return models.ObjectInfo{}, fmt.Errorf("reader is required")
	}

	// The watchdog is reset after each segment; it bounds stalls, not total
	// duration.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stalled atomic.Bool
	watchdog := time.AfterFunc(s.ioTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	record := &store.ObjectRecord{Key: uuid.NewString(), VariantOf: variantOf, Info: info}

	// Segments are committed in short batches and the row last; no write
	// transaction stays open while r is read.
	err := s.writeSegments(ctx, r, record, watchdog)
	var replaced []string
	if err == nil {
		replaced, err = s.objects.CommitObject(ctx, record)
	}
	if err != nil {
		s.deleteSegments([]string{record.Key})
		if stalled.Load() {
			return models.ObjectInfo{}, fmt.Errorf("%w: put stalled for %s", models.ErrStorageUnavailable, s.ioTimeout)
		}
		return models.ObjectInfo{}, err
	}

	s.purge(replaced)
	return record.Info, nil
}

func (s *Segmented) writeSegments(ctx context.Context, r io.Reader, record *store.ObjectRecord, watchdog *time.Timer) error {
	h := sha256.New()
	batch := make([]store.Segment, 0, segmentsPerBatch)
	seq := 0
	for {
		buf := make([]byte, s.segmentBytes)
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			data := buf[:n]
			h.Write(data)
			sum := blake2b.Sum256(data)
			batch = append(batch, store.Segment{Seq: seq, Data: data, Checksum: hex.EncodeToString(sum[:])})
			record.Info.SizeBytes += int64(n)
			seq++
			watchdog.Reset(s.ioTimeout)
		}
		if len(batch) == segmentsPerBatch || (len(batch) > 0 && readErr != nil) {
			if err := s.objects.WriteSegments(ctx, record.Key, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	record.Info.SegmentCount = seq
	record.Info.SHA256 = hex.EncodeToString(h.Sum(nil))
	return nil
}

// Get opens a streaming reader over an object. The reader verifies every
// segment checksum and keeps the object's segments alive until closed.
func (s *Segmented) Get(ctx context.Context, id, bucket string) (io.ReadCloser, models.ObjectInfo, error) {
	bucket, err := models.NormalizeBucket(bucket, s.defaultBucket)
	if err != nil {
		return nil, models.ObjectInfo{}, err
	}

	for attempt := 0; attempt < maxGetAttempts; attempt++ {
		record, err := s.lookup(ctx, bucket, id)
		if err != nil {
			return nil, models.ObjectInfo{}, err
		}
		s.acquire(record.Key)

		// A delete that committed before acquire may already have purged the
		// segments, so confirm the row still points at the same key.
		confirm, err := s.lookup(ctx, bucket, id)
		if err != nil {
			s.release(record.Key)
			return nil, models.ObjectInfo{}, err
		}
		if confirm.Key == record.Key {
			return &segmentReader{
				ctx:    ctx,
				parent: s,
				key:    record.Key,
				count:  record.Info.SegmentCount,
			}, record.Info, nil
		}
		s.release(record.Key)
	}
	return nil, models.ObjectInfo{}, fmt.Errorf("%w: object %s changed during open", models.ErrStorageUnavailable, id)
}

// Stat returns object metadata without reading any segment.
func (s *Segmented) Stat(ctx context.Context, id, bucket string) (models.ObjectInfo, error) {
	bucket, err := models.NormalizeBucket(bucket, s.defaultBucket)
	if err != nil {
		return models.ObjectInfo{}, err
	}
	record, err := s.lookup(ctx, bucket, id)
	if err != nil {
		return models.ObjectInfo{}, err
	}
	return record.Info, nil
}

// Delete removes an object and its variants. Deleting a missing object is
// not an error.
func (s *Segmented) Delete(ctx context.Context, id, bucket string) error {
	bucket, err := models.NormalizeBucket(bucket, s.defaultBucket)
	if err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(ctx, s.ioTimeout)
	defer cancel()
	keys, err := s.objects.DeleteObject(tctx, bucket, id)
	if err != nil {
		return err
	}
	s.purge(keys)
	return nil
}

// Find lists objects matching q, newest first. A zero limit uses the default
// page size and a negative one returns every match.
func (s *Segmented) Find(ctx context.Context, q Query, bucket string) ([]models.ObjectInfo, error) {
	bucket, err := models.NormalizeBucket(bucket, s.defaultBucket)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultFindLimit
	}

	filter := store.ObjectFilter{
		ContentTypeContains: q.ContentType,
		OwnerID:             q.OwnerID,
		Metadata:            q.Metadata,
		Limit:               limit,
	}

	// SQLite folds ASCII only, so filename matching happens here.
	contains := foldCase(strings.TrimSpace(q.Filename))
	var matcher glob.Glob
	if pattern := strings.TrimSpace(q.Pattern); pattern != "" {
		matcher, err = glob.Compile(foldCase(pattern))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid pattern %q: %v", models.ErrInvalidArgument, q.Pattern, err)
		}
	}
	if contains != "" || matcher != nil {
		filter.Limit = -1
	}

	tctx, cancel := context.WithTimeout(ctx, s.ioTimeout)
	defer cancel()
	objects, err := s.objects.FindObjects(tctx, bucket, filter)
	if err != nil {
		return nil, err
	}
	if filter.Limit >= 0 {
		return objects, nil
	}

	matched := []models.ObjectInfo{}
	for _, obj := range objects {
		name := foldCase(obj.Filename)
		if contains != "" && !strings.Contains(name, contains) {
			continue
		}
		if matcher != nil && !matcher.Match(name) {
			continue
		}
		matched = append(matched, obj)
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (s *Segmented) lookup(ctx context.Context, bucket, id string) (*store.ObjectRecord, error) {
	tctx, cancel := context.WithTimeout(ctx, s.ioTimeout)
	defer cancel()
	record, err := s.objects.GetObject(tctx, bucket, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: object %s in bucket %s", models.ErrNotFound, id, bucket)
	}
	return record, nil
}

func (s *Segmented) acquire(key string) {
	s.mu.Lock()
	s.readers[key]++
	s.mu.Unlock()
}

func (s *Segmented) release(key string) {
	s.mu.Lock()
	purgeNow := false
	s.readers[key]--
	if s.readers[key] <= 0 {
		delete(s.readers, key)
		if _, ok := s.pending[key]; ok {
			delete(s.pending, key)
			purgeNow = true
		}
	}
	s.mu.Unlock()

	if purgeNow {
		s.deleteSegments([]string{key})
	}
}

// purge drops segments of unreferenced keys now and defers the rest until
// their readers close.
func (s *Segmented) purge(keys []string) {
	if len(keys) == 0 {
		return
	}
	now := make([]string, 0, len(keys))
	s.mu.Lock()
	for _, key := range keys {
		if s.readers[key] > 0 {
			s.pending[key] = struct{}{}
			continue
		}
		now = append(now, key)
	}
	s.mu.Unlock()
	s.deleteSegments(now)
}

func (s *Segmented) deleteSegments(keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.ioTimeout)
	defer cancel()
	if err := s.objects.DeleteSegments(ctx, keys...); err != nil {
		// Rows are already gone; leftovers are purged on next open.
		s.logger.Warn("segment purge failed", "keys", len(keys), "error", err)
	}
}

type segmentReader struct {
	ctx    context.Context
	parent *Segmented
	key    string
	count  int
	next   int
	buf    []byte
	closed atomic.Bool
}

func (r *segmentReader) Read(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, fmt.Errorf("read on closed blob reader")
	}
	for len(r.buf) == 0 {
		if r.next >= r.count {
			return 0, io.EOF
		}
		if err := r.load(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *segmentReader) load() error {
	ctx, cancel := context.WithTimeout(r.ctx, r.parent.ioTimeout)
	defer cancel()
	data, checksum, err := r.parent.objects.ReadSegment(ctx, r.key, r.next)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && r.ctx.Err() == nil {
			return fmt.Errorf("%w: segment %d read timed out", models.ErrStorageUnavailable, r.next)
		}
		return err
	}
	sum := blake2b.Sum256(data)
	if hex.EncodeToString(sum[:]) != checksum {
		return fmt.Errorf("segment %d checksum mismatch", r.next)
	}
	r.buf = data
	r.next++
	return nil
}

func (r *segmentReader) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.parent.release(r.key)
	}
	return nil
}
