package upload

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"photovault/internal/models"
	"photovault/internal/staging"
)

const (
	DefaultMaxChunkBytes  = 8 << 20
	DefaultMaxObjectBytes = 200 << 20
	DefaultMaxTotalChunks = 10000
)

// Limits bounds what a session may accept.
type Limits struct {
	MaxChunkBytes  int64
	MaxObjectBytes int64
	MaxTotalChunks int
	// AllowedContentTypes holds glob patterns such as "image/*". Empty allows
	// every content type.
	AllowedContentTypes []string
}

// CreateInput describes a new upload session.
type CreateInput struct {
	TotalChunks int
	Filename    string
	ContentType string
	Metadata    map[string]string
	Bucket      string
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Limits        Limits
	DefaultBucket string
	Logger        *slog.Logger
	Metrics       *Metrics
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Registry tracks in-progress upload sessions. Chunk bytes are spilled to the
// staging area; the registry only keeps bookkeeping in memory.
type Registry struct {
	stager        staging.Stager
	limits        Limits
	allowed       []glob.Glob
	defaultBucket string
	logger        *slog.Logger
	metrics       *Metrics
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry that stages chunk bytes in stager.
func NewRegistry(stager staging.Stager, opts RegistryOptions) (*Registry, error) {
	if stager == nil {
		return nil, fmt.Errorf("staging area is required")
	}
	limits := opts.Limits
	if limits.MaxChunkBytes <= 0 {
		limits.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if limits.MaxObjectBytes <= 0 {
		limits.MaxObjectBytes = DefaultMaxObjectBytes
	}
	if limits.MaxTotalChunks <= 0 {
		limits.MaxTotalChunks = DefaultMaxTotalChunks
	}

	allowed := make([]glob.Glob, 0, len(limits.AllowedContentTypes))
	for _, pattern := range limits.AllowedContentTypes {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed content type %q: %w", pattern, err)
		}
		allowed = append(allowed, g)
	}

	bucket, err := models.NormalizeBucket(opts.DefaultBucket, models.DefaultBucket)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &Registry{
		stager:        stager,
		limits:        limits,
		allowed:       allowed,
		defaultBucket: bucket,
		logger:        logger.With("component", "upload_registry"),
		metrics:       metrics,
		now:           now,
		sessions:      map[string]*Session{},
	}, nil
}

// Limits returns the effective limits.
func (r *Registry) Limits() Limits {
	return r.limits
}

// AllowsContentType reports whether contentType passes the allow-list.
func (r *Registry) AllowsContentType(contentType string) bool {
	if len(r.allowed) == 0 {
		return true
	}
	mediaType := normalizeContentType(contentType)
	for _, g := range r.allowed {
		if g.Match(mediaType) {
			return true
		}
	}
	return false
}

// Create registers a new session. It does not touch the blob store.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.TotalChunks <= 0 {
		return nil, fmt.Errorf("%w: totalChunks must be > 0", models.ErrInvalidArgument)
	}
	if in.TotalChunks > r.limits.MaxTotalChunks {
		return nil, fmt.Errorf("%w: totalChunks must be <= %d", models.ErrInvalidArgument, r.limits.MaxTotalChunks)
	}
	in.Filename = strings.TrimSpace(in.Filename)
	if in.Filename == "" {
		return nil, fmt.Errorf("%w: filename is required", models.ErrInvalidArgument)
	}
	in.ContentType = normalizeContentType(in.ContentType)
	if in.ContentType == "" {
		return nil, fmt.Errorf("%w: contentType is required", models.ErrInvalidArgument)
	}
	if !r.AllowsContentType(in.ContentType) {
		return nil, fmt.Errorf("%w: content type %q is not allowed", models.ErrInvalidArgument, in.ContentType)
	}
	bucket, err := models.NormalizeBucket(in.Bucket, r.defaultBucket)
	if err != nil {
		return nil, err
	}
	in.Bucket = bucket

	s := newSession(uuid.NewString(), in, r.now().UTC())

	r.mu.Lock()
	r.sessions[s.ID] = s
	active := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionsCreated.Inc()
	r.metrics.SessionsActive.Set(float64(active))
	r.logger.Debug("session created", "session_id", s.ID, "total_chunks", s.TotalChunks, "filename", s.Filename)
	return s, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: upload session %s", models.ErrNotFound, id)
	}
	return s, nil
}

// Touch refreshes a session's last activity.
func (r *Registry) Touch(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.touch(r.now())
	return nil
}

// Remove drops a session and its staged chunks.
func (r *Registry) Remove(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: upload session %s", models.ErrNotFound, id)
	}
	return r.discard(ctx, s, models.SessionExpired)
}

// RemoveIfIdle removes the session only if its last activity is before cutoff. The
// check runs under the exclusive session lock, so a chunk write that touched
// the session first keeps it alive.
func (r *Registry) RemoveIfIdle(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	s, err := r.Get(id)
	if err != nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.LastActivity().Before(cutoff) {
		return false, nil
	}
	if err := r.discard(ctx, s, models.SessionExpired); err != nil {
		return true, err
	}
	r.metrics.SessionsExpired.Inc()
	return true, nil
}

// discard closes s, unregisters it and drops its staged chunks. Callers hold
// s.mu exclusively.
func (r *Registry) discard(ctx context.Context, s *Session, final models.SessionState) error {
	s.closed = true
	s.state = final

	r.mu.Lock()
	if current, ok := r.sessions[s.ID]; ok && current == s {
		delete(r.sessions, s.ID)
	}
	active := len(r.sessions)
	r.mu.Unlock()
	r.metrics.SessionsActive.Set(float64(active))

	if err := r.stager.DeletePrefix(ctx, s.ID); err != nil {
		r.logger.Warn("staged chunk cleanup failed", "session_id", s.ID, "error", err)
		return fmt.Errorf("drop staged chunks of %s: %w", s.ID, err)
	}
	r.logger.Debug("session removed", "session_id", s.ID, "state", final)
	return nil
}

// List returns the status of every live session, oldest first.
func (r *Registry) List() []models.SessionStatus {
	sessions := r.snapshot()
	out := make([]models.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// idleSince lists ids of sessions whose last activity is before cutoff.
func (r *Registry) idleSince(cutoff time.Time) (idle []string, scanned int) {
	sessions := r.snapshot()
	for _, s := range sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s.ID)
		}
	}
	return idle, len(sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func chunkKey(sessionID string, index int) string {
	return sessionID + "/" + strconv.Itoa(index)
}

func normalizeContentType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(raw); err == nil {
		return mediaType
	}
	return strings.ToLower(raw)
}
