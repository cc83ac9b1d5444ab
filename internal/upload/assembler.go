package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"photovault/internal/blobstore"
	"photovault/internal/models"
	"photovault/internal/staging"
)

const (
	DefaultPutMaxRetries  = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// AssemblerOptions configures an Assembler.
type AssemblerOptions struct {
	// MaxRetries bounds retries of a transiently failing store write. Zero
	// selects DefaultPutMaxRetries; a negative value disables retries.
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *slog.Logger
}

// Assembler turns complete sessions into stored objects.
type Assembler struct {
	registry       *Registry
	blobs          blobstore.BlobStore
	maxRetries     int
	initialBackoff time.Duration
	logger         *slog.Logger
}

// NewAssembler creates an assembler writing into blobs.
func NewAssembler(registry *Registry, blobs blobstore.BlobStore, opts AssemblerOptions) *Assembler {
	retries := opts.MaxRetries
	switch {
	case retries == 0:
		retries = DefaultPutMaxRetries
	case retries < 0:
		retries = 0
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		registry:       registry,
		blobs:          blobs,
		maxRetries:     retries,
		initialBackoff: initial,
		logger:         logger.With("component", "assembler"),
	}
}

// Complete concatenates the session's chunks in index order into one stored
// object and removes the session. At most one concurrent call per session
// succeeds; the others see the session gone and fail with ErrNotFound.
// Assembly failures keep the session so completion can be retried.
func (a *Assembler) Complete(ctx context.Context, sessionID string) (models.ObjectInfo, error) {
	s, err := a.registry.Get(sessionID)
	if err != nil {
		return models.ObjectInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.ObjectInfo{}, fmt.Errorf("%w: upload session %s", models.ErrNotFound, sessionID)
	}
	if missing := s.missing(); len(missing) > 0 {
		a.registry.metrics.Assemblies.WithLabelValues("incomplete").Inc()
		return models.ObjectInfo{}, &models.IncompleteUploadError{SessionID: s.ID, Total: s.TotalChunks, Missing: missing}
	}
	expected := s.sizeOf()
	started := time.Now()

	opts := blobstore.PutOptions{
		Filename:    s.Filename,
		ContentType: s.ContentType,
		Metadata:    s.Metadata,
		Bucket:      s.Bucket,
	}

	var info models.ObjectInfo
	put := func() error {
		stream := newChunkStream(ctx, a.registry.stager, s.ID, s.TotalChunks)
		defer stream.Close()
		stored, err := a.blobs.Put(ctx, stream, opts)
		if err != nil {
			if errors.Is(err, models.ErrStorageUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		info = stored
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.initialBackoff
	policy.MaxInterval = defaultMaxBackoff
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(a.maxRetries)), ctx)
	err = backoff.RetryNotify(put, retry, func(err error, next time.Duration) {
		a.logger.Warn("store write failed, retrying", "session_id", s.ID, "backoff", next, "error", err)
	})
	if err != nil {
		a.registry.metrics.Assemblies.WithLabelValues("failed").Inc()
		a.logger.Error("assembly failed", "session_id", s.ID, "filename", s.Filename, "error", err)
		return models.ObjectInfo{}, &models.AssemblyError{SessionID: s.ID, Expected: expected, Err: err}
	}

	if info.SizeBytes != expected {
		a.registry.metrics.Assemblies.WithLabelValues("failed").Inc()
		a.logger.Error("assembled length mismatch", "session_id", s.ID, "expected", expected, "actual", info.SizeBytes, "blob_id", info.ID)
		if err := a.blobs.Delete(ctx, info.ID, info.Bucket); err != nil {
			a.logger.Error("drop inconsistent object failed", "blob_id", info.ID, "error", err)
		}
		return models.ObjectInfo{}, &models.AssemblyError{SessionID: s.ID, Expected: expected, Actual: info.SizeBytes}
	}

	// The object is durable, so the session goes even if the caller left.
	if err := a.registry.discard(context.WithoutCancel(ctx), s, models.SessionAssembled); err != nil {
		a.logger.Error("release staged chunks failed", "session_id", s.ID, "blob_id", info.ID, "error", err)
	}
	a.registry.metrics.Assemblies.WithLabelValues("ok").Inc()
	a.logger.Info("upload assembled",
		"session_id", s.ID,
		"blob_id", info.ID,
		"bytes", info.SizeBytes,
		"chunks", s.TotalChunks,
		"duration", time.Since(started),
	)
	return info, nil
}

// chunkStream reads staged chunks back to back in index order, holding at
// most one open file.
type chunkStream struct {
	ctx       context.Context
	stager    staging.Stager
	sessionID string
	total     int
	next      int
	current   io.ReadCloser
}

func newChunkStream(ctx context.Context, stager staging.Stager, sessionID string, total int) *chunkStream {
	return &chunkStream{ctx: ctx, stager: stager, sessionID: sessionID, total: total}
}

func (c *chunkStream) Read(p []byte) (int, error) {
	for {
		if c.current == nil {
			if c.next >= c.total {
				return 0, io.EOF
			}
			rc, err := c.stager.Open(c.ctx, chunkKey(c.sessionID, c.next))
			if err != nil {
				return 0, fmt.Errorf("open chunk %d: %w", c.next, err)
			}
			c.current = rc
			c.next++
		}
		n, err := c.current.Read(p)
		if err == io.EOF {
			_ = c.current.Close()
			c.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *chunkStream) Close() error {
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}
