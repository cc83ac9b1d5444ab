package models

import (
	"fmt"
	"strings"
	"time"
)

// SessionState defines the lifecycle states of an upload session.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionReceiving SessionState = "receiving"
	SessionComplete  SessionState = "complete"
	SessionAssembled SessionState = "assembled"
	SessionExpired   SessionState = "expired"
)

var validSessionStates = map[SessionState]struct{}{
	SessionCreated:   {},
	SessionReceiving: {},
	SessionComplete:  {},
	SessionAssembled: {},
	SessionExpired:   {},
}

func IsValidSessionState(state SessionState) bool {
	_, ok := validSessionStates[state]
	return ok
}

func ParseSessionState(raw string) (SessionState, error) {
	value := SessionState(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("state is required")
	}
	if !IsValidSessionState(value) {
		return "", fmt.Errorf("invalid state: %s", value)
	}
	return value, nil
}

// IsTerminal reports whether no further transitions are possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionAssembled || s == SessionExpired
}

// StateFor derives the live state of a session from its progress.
func StateFor(received, total int) SessionState {
	switch {
	case received <= 0:
		return SessionCreated
	case received < total:
		return SessionReceiving
	default:
		return SessionComplete
	}
}

// SessionStatus is a point-in-time view of an upload session.
type SessionStatus struct {
	ID            string            `json:"id"`
	State         SessionState      `json:"state"`
	Bucket        string            `json:"bucket"`
	Filename      string            `json:"filename"`
	ContentType   string            `json:"content_type"`
	TotalChunks   int               `json:"total_chunks"`
	Received      int               `json:"received"`
	ReceivedBytes int64             `json:"received_bytes"`
	Missing       []int             `json:"missing"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
}
