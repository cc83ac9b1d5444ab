package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidArgument marks malformed ids, out-of-range chunk indices and
	// other caller mistakes. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks unknown sessions and blob ids.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable marks transient storage failures (timeouts,
	// busy database, lost connection).
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrResourceExhausted marks writes rejected because the staging area is full.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// IncompleteUploadError is returned by completion when chunks are missing.
type IncompleteUploadError struct {
	SessionID string
	Total     int
	Missing   []int
}

func (e *IncompleteUploadError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for i, idx := range e.Missing {
		if i == 10 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, strconv.Itoa(idx))
	}
	return fmt.Sprintf("incomplete upload: %d of %d chunks missing (%s)", len(e.Missing), e.Total, strings.Join(parts, ", "))
}

// AssemblyError reports a failed assembly. The session is kept so completion
// can be retried without re-uploading chunks.
type AssemblyError struct {
	SessionID string
	Expected  int64
	Actual    int64
	Err       error
}

func (e *AssemblyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assembly of session %s failed: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("assembly of session %s failed: stored %d bytes, expected %d", e.SessionID, e.Actual, e.Expected)
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}
