package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"photovault/internal/models"
)

const (
	chunksDir = "chunks"
	tmpDir    = "tmp"
)

// PutResult describes one staged payload.
type PutResult struct {
	Key       string
	SHA256    string
	SizeBytes int64
}

// Stager is the chunk spill surface used by the upload registry.
type Stager interface {
	Put(ctx context.Context, key string, r io.Reader, limit int64) (PutResult, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Area stores staged chunk bytes under a local directory, bounded by a total
// byte budget.
type Area struct {
	root     string
	maxBytes int64

	mu    sync.Mutex
	used  int64
	sizes map[string]int64
}

var _ Stager = (*Area)(nil)

// New creates a staging area rooted at root. Chunks left behind by a previous
// process are discarded since sessions do not survive restarts.
func New(root string, maxBytes int64) (*Area, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("staging root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(filepath.Join(abs, chunksDir)); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(filepath.Join(abs, tmpDir)); err != nil {
		return nil, err
	}
	for _, dir := range []string{chunksDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &Area{root: abs, maxBytes: maxBytes, sizes: map[string]int64{}}, nil
}

// Used returns the bytes currently held, including in-flight writes.
func (a *Area) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Put streams r into key, replacing any previous content. Reading more than
// limit bytes fails with ErrInvalidArgument; exceeding the area budget fails
// with ErrResourceExhausted. On failure the previous content stays intact.
func (a *Area) Put(ctx context.Context, key string, r io.Reader, limit int64) (PutResult, error) {
	var zero PutResult
	if a == nil {
		return zero, fmt.Errorf("staging area is not configured")
	}
	if r == nil {
		return zero, fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	dst, err := a.pathFromKey(key)
	if err != nil {
		return zero, err
	}

	tmp, err := os.CreateTemp(filepath.Join(a.root, tmpDir), "put-*")
	if err != nil {
		return zero, err
	}
	tmpPath := tmp.Name()

	w := &budgetWriter{area: a, dst: tmp}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		a.release(w.reserved)
	}

	src := &ctxReader{ctx: ctx, r: r}
	if limit > 0 {
		src.r = io.LimitReader(r, limit+1)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), src)
	if err != nil {
		cleanup()
		return zero, err
	}
	if limit > 0 && n > limit {
		cleanup()
		return zero, fmt.Errorf("%w: chunk exceeds %d bytes", models.ErrInvalidArgument, limit)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return zero, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return zero, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		cleanup()
		return zero, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		cleanup()
		return zero, err
	}

	a.mu.Lock()
	if prev, ok := a.sizes[key]; ok {
		a.used -= prev
	}
	a.sizes[key] = n
	a.mu.Unlock()

	return PutResult{Key: key, SHA256: hex.EncodeToString(h.Sum(nil)), SizeBytes: n}, nil
}

// Open returns a reader for staged content.
func (a *Area) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if a == nil {
		return nil, fmt.Errorf("staging area is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := a.pathFromKey(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: staged chunk %s", models.ErrNotFound, key)
	}
	return f, err
}

// Delete removes staged content. Missing keys are ignored.
func (a *Area) Delete(ctx context.Context, key string) error {
	if a == nil {
		return fmt.Errorf("staging area is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := a.pathFromKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	a.forget(func(k string) bool { return k == key })
	return nil
}

// DeletePrefix removes every key under the directory prefix.
func (a *Area) DeletePrefix(ctx context.Context, prefix string) error {
	if a == nil {
		return fmt.Errorf("staging area is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := a.pathFromKey(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	dir := strings.TrimSuffix(prefix, "/") + "/"
	a.forget(func(k string) bool { return strings.HasPrefix(k, dir) })
	return nil
}

func (a *Area) forget(match func(key string) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, size := range a.sizes {
		if match(k) {
			a.used -= size
			delete(a.sizes, k)
		}
	}
}

func (a *Area) reserve(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.maxBytes > 0 && a.used+n > a.maxBytes {
		return fmt.Errorf("%w: staging area full (%d of %d bytes used)", models.ErrResourceExhausted, a.used, a.maxBytes)
	}
	a.used += n
	return nil
}

func (a *Area) release(n int64) {
	if n == 0 {
		return
	}
	a.mu.Lock()
	a.used -= n
	a.mu.Unlock()
}

func (a *Area) pathFromKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("staging key is required")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("staging key must be relative")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || strings.Contains(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid staging key")
	}
	return filepath.Join(a.root, chunksDir, clean), nil
}

// budgetWriter reserves area budget before each write. Reserved bytes are
// handed over to the committed size on success.
type budgetWriter struct {
	area     *Area
	dst      io.Writer
	reserved int64
}

func (w *budgetWriter) Write(p []byte) (int, error) {
	if err := w.area.reserve(int64(len(p))); err != nil {
		return 0, err
	}
	w.reserved += int64(len(p))
	return w.dst.Write(p)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
