package upload

import (
	"sync"
	"sync/atomic"
	"time"

	"photovault/internal/models"
)

// Session is the server-side bookkeeping for one file being uploaded in
// chunks. Its descriptive fields are fixed at creation.
type Session struct {
	ID          string
	Bucket      string
	Filename    string
	ContentType string
	TotalChunks int
	Metadata    map[string]string
	CreatedAt   time.Time

	// mu is held shared by chunk writers and exclusively by completion and
	// removal. closed is only read or written under mu.
	mu     sync.RWMutex
	closed bool
	state  models.SessionState

	lastActivity  atomic.Int64
	received      atomic.Int32
	receivedBytes atomic.Int64
	slots         []slot
}

type slot struct {
	mu         sync.Mutex
	received   bool
	size       int64
	sha256     string
	receivedAt time.Time
}

func newSession(id string, in CreateInput, now time.Time) *Session {
	meta := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		meta[k] = v
	}
	s := &Session{
		ID:          id,
		Bucket:      in.Bucket,
		Filename:    in.Filename,
		ContentType: in.ContentType,
		TotalChunks: in.TotalChunks,
		Metadata:    meta,
		CreatedAt:   now,
		state:       models.SessionCreated,
		slots:       make([]slot, in.TotalChunks),
	}
	s.touch(now)
	return s
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// LastActivity returns when the session was last created or written to.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load()).UTC()
}

// Received returns how many distinct chunk indices have been stored.
func (s *Session) Received() int {
	return int(s.received.Load())
}

// missing lists absent indices in ascending order. Callers hold mu.
func (s *Session) missing() []int {
	out := []int{}
	for i := range s.slots {
		s.slots[i].mu.Lock()
		ok := s.slots[i].received
		s.slots[i].mu.Unlock()
		if !ok {
			out = append(out, i)
		}
	}
	return out
}

// sizeOf sums the stored chunk lengths. Callers hold mu exclusively.
func (s *Session) sizeOf() int64 {
	var total int64
	for i := range s.slots {
		total += s.slots[i].size
	}
	return total
}

// Status returns a point-in-time view of the session.
func (s *Session) Status() models.SessionStatus {
	s.mu.RLock()
	state := s.state
	closed := s.closed
	missing := s.missing()
	s.mu.RUnlock()

	received := s.Received()
	if !closed {
		state = models.StateFor(received, s.TotalChunks)
	}

	meta := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	return models.SessionStatus{
		ID:            s.ID,
		State:         state,
		Bucket:        s.Bucket,
		Filename:      s.Filename,
		ContentType:   s.ContentType,
		TotalChunks:   s.TotalChunks,
		Received:      received,
		ReceivedBytes: s.receivedBytes.Load(),
		Missing:       missing,
		Metadata:      meta,
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity(),
	}
}
