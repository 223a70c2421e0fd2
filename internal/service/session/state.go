package session

import (
	"fmt"
	"sync"
)

// State represents the lifecycle state of a session.
type State int

const (
	// StateActive - Session accepts frames.
	StateActive State = iota
	// StateClosing - No new frames; buffered audio is flushed and
	// in-flight transcriptions drain.
	StateClosing
	// StateClosed - Terminal. Late transcription results are discarded.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is CLOSED.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// Lifecycle manages the state machine for a single session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	ACTIVE → CLOSING → CLOSED
//	  │         │
//	  │         └── Close() ──→ drain finished or timed out
//	  │
//	  └── BeginClose() ──→ only once
//
// Rules:
//   - ACTIVE: frames are accepted
//   - CLOSING: frames are rejected, pending results are still applied
//   - CLOSED: frames are rejected, results are discarded
type Lifecycle struct {
	mu        sync.RWMutex
	sessionId string
	state     State
}

// NewLifecycle creates a new session lifecycle in ACTIVE state.
func NewLifecycle(sessionId string) *Lifecycle {
	return &Lifecycle{
		sessionId: sessionId,
		state:     StateActive,
	}
}

// SessionId returns the session ID.
func (l *Lifecycle) SessionId() string {
	return l.sessionId
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsActive returns true if frames may be ingested.
func (l *Lifecycle) IsActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateActive
}

// IsClosed returns true once the session reached its terminal state.
func (l *Lifecycle) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.IsTerminal()
}

// BeginClose transitions ACTIVE to CLOSING. It returns ErrSessionClosed if
// the session is already closing or closed.
func (l *Lifecycle) BeginClose() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateActive:
		l.state = StateClosing
		return nil
	case StateClosing, StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// Close transitions the session to CLOSED state.
// Can be called from any state. Idempotent.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateClosed
}
