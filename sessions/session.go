package sessions

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a session lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateClosed       State = "closed"
)

// Transport is the per-session protocol engine owned by a Session.
type Transport interface {
	// Release frees everything held by the transport. The registry calls it
	// exactly once, when the owning session closes.
	Release()
}

const (
	stateInitializing int32 = iota
	stateActive
	stateClosed
)

// Session is one client's continuous interaction with the server.
type Session[T Transport] struct {
	id        string
	transport T
	createdAt time.Time

	state       atomic.Int32
	releaseOnce sync.Once
}

func newSession[T Transport](id string, t T, now time.Time) *Session[T] {
	return &Session[T]{id: id, transport: t, createdAt: now}
}

// ID returns the session's opaque identifier.
func (s *Session[T]) ID() string { return s.id }

// Transport returns the session's protocol engine.
func (s *Session[T]) Transport() T { return s.transport }

// CreatedAt is when the session was allocated.
func (s *Session[T]) CreatedAt() time.Time { return s.createdAt }

// State reports the current lifecycle state.
func (s *Session[T]) State() State {
	switch s.state.Load() {
	case stateInitializing:
		return StateInitializing
	case stateActive:
		return StateActive
	default:
		return StateClosed
	}
}

func (s *Session[T]) activate() bool {
	return s.state.CompareAndSwap(stateInitializing, stateActive)
}

// markClosed moves the session to closed and reports whether this call
// performed the transition.
func (s *Session[T]) markClosed() bool {
	for {
		cur := s.state.Load()
		if cur == stateClosed {
			return false
		}
		if s.state.CompareAndSwap(cur, stateClosed) {
			return true
		}
	}
}

func (s *Session[T]) release() {
	s.releaseOnce.Do(s.transport.Release)
}
