package upload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"photovault/internal/models"
)

// Progress reports how far a session has come.
type Progress struct {
	Received    int `json:"received"`
	TotalChunks int `json:"totalChunks"`
}

// ChunkInput is one item of a batch write.
type ChunkInput struct {
	Index  int
	Reader io.Reader
}

// ChunkResult is the outcome of one batch item.
type ChunkResult struct {
	Index int
	Size  int64
	Err   error
}

// Writer stores chunks into sessions.
type Writer struct {
	registry *Registry
}

// NewWriter creates a chunk writer over registry.
func NewWriter(registry *Registry) *Writer {
	return &Writer{registry: registry}
}

// Write stores r as chunk index of the session, replacing earlier bytes for
// that index. Writes to different indices of one session run concurrently.
func (w *Writer) Write(ctx context.Context, sessionID string, index int, r io.Reader) (Progress, error) {
	progress, _, err := w.write(ctx, sessionID, index, r)
	return progress, err
}

func (w *Writer) write(ctx context.Context, sessionID string, index int, r io.Reader) (Progress, int64, error) {
	reg := w.registry
	s, err := reg.Get(sessionID)
	if err != nil {
		return Progress{}, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Progress{}, 0, fmt.Errorf("%w: upload session %s", models.ErrNotFound, sessionID)
	}
	if index < 0 || index >= s.TotalChunks {
		return Progress{}, 0, fmt.Errorf("%w: chunk index %d outside [0,%d)", models.ErrInvalidArgument, index, s.TotalChunks)
	}
	if r == nil {
		return Progress{}, 0, fmt.Errorf("%w: chunk body is required", models.ErrInvalidArgument)
	}
	s.touch(reg.now())

	sl := &s.slots[index]
	sl.mu.Lock()
	defer sl.mu.Unlock()

	limit := reg.limits.MaxChunkBytes
	remaining := reg.limits.MaxObjectBytes - (s.receivedBytes.Load() - sl.size)
	objectBound := remaining < limit
	if objectBound {
		limit = remaining
	}
	if limit <= 0 {
		return Progress{}, 0, fmt.Errorf("%w: upload exceeds %d bytes", models.ErrInvalidArgument, reg.limits.MaxObjectBytes)
	}

	res, err := reg.stager.Put(ctx, chunkKey(s.ID, index), r, limit)
	if err != nil {
		if objectBound && errors.Is(err, models.ErrInvalidArgument) {
			return Progress{}, 0, fmt.Errorf("%w: upload exceeds %d bytes", models.ErrInvalidArgument, reg.limits.MaxObjectBytes)
		}
		return Progress{}, 0, err
	}

	now := reg.now()
	if !sl.received {
		sl.received = true
		s.received.Add(1)
	}
	s.receivedBytes.Add(res.SizeBytes - sl.size)
	sl.size = res.SizeBytes
	sl.sha256 = res.SHA256
	sl.receivedAt = now.UTC()
	s.touch(now)

	reg.metrics.ChunksWritten.Inc()
	reg.metrics.ChunkBytes.Add(float64(res.SizeBytes))

	return Progress{Received: s.Received(), TotalChunks: s.TotalChunks}, res.SizeBytes, nil
}

// WriteBatch stores several chunks of one session. Each item succeeds or
// fails on its own.
func (w *Writer) WriteBatch(ctx context.Context, sessionID string, items []ChunkInput) ([]ChunkResult, Progress, error) {
	s, err := w.registry.Get(sessionID)
	if err != nil {
		return nil, Progress{}, err
	}

	results := make([]ChunkResult, 0, len(items))
	for _, item := range items {
		_, size, err := w.write(ctx, sessionID, item.Index, item.Reader)
		results = append(results, ChunkResult{Index: item.Index, Size: size, Err: err})
	}
	return results, Progress{Received: s.Received(), TotalChunks: s.TotalChunks}, nil
}
