package sessions

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("session limit reached")
	ErrNotInitializing = errors.New("session is not initializing")
)

// maxIDAttempts bounds retries when a freshly drawn id collides with one
// that is still reserved.
const maxIDAttempts = 4

// Observer receives lifecycle events. Implementations must be cheap and
// must not block.
type Observer interface {
	SessionPublished(id string)
	SessionClosed(id string, lifetime time.Duration)
}

// Option configures a Registry.
type Option func(*config)

type config struct {
	log         *slog.Logger
	maxSessions int
	newID       func() (string, error)
	observer    Observer
	now         func() time.Time
}

// WithLogger sets the logger used for lifecycle events. Logs are discarded
// by default.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithMaxSessions caps the number of sessions that may be initializing or
// active at once. Zero or negative means unlimited.
func WithMaxSessions(n int) Option {
	return func(c *config) { c.maxSessions = n }
}

// WithIDGenerator overrides the session id source.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(c *config) { c.newID = fn }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *config) { c.observer = o }
}

// NewID returns a random (version 4) UUID drawn from crypto/rand.
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id.String(), nil
}

// Registry is the process-wide set of sessions.
type Registry[T Transport] struct {
	live     *xsync.Map[string, *Session[T]]
	reserved *xsync.Map[string, struct{}]
	count    atomic.Int64

	log         *slog.Logger
	maxSessions int
	newID       func() (string, error)
	observer    Observer
	now         func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry[T Transport](opts ...Option) *Registry[T] {
	cfg := config{
		newID: NewID,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Registry[T]{
		live:        xsync.NewMap[string, *Session[T]](),
		reserved:    xsync.NewMap[string, struct{}](),
		log:         cfg.log,
		maxSessions: cfg.maxSessions,
		newID:       cfg.newID,
		observer:    cfg.observer,
		now:         cfg.now,
	}
}

// Create reserves a fresh id, builds the session's transport with newTransport
// and returns the session in the initializing state. The session is not
// visible to Lookup until Publish. Callers must eventually Publish or Discard
// the returned session.
func (r *Registry[T]) Create(newTransport func(id string) (T, error)) (*Session[T], error) {
	if n := r.count.Add(1); r.maxSessions > 0 && n > int64(r.maxSessions) {
		r.count.Add(-1)
		return nil, ErrTooManySessions
	}

	id, err := r.reserveID()
	if err != nil {
		r.count.Add(-1)
		return nil, err
	}

	t, err := newTransport(id)
	if err != nil {
		r.reserved.Delete(id)
		r.count.Add(-1)
		return nil, fmt.Errorf("create transport: %w", err)
	}

	return newSession(id, t, r.now()), nil
}

func (r *Registry[T]) reserveID() (string, error) {
	for range maxIDAttempts {
		id, err := r.newID()
		if err != nil {
			return "", err
		}
		if _, loaded := r.reserved.LoadOrStore(id, struct{}{}); !loaded {
			return id, nil
		}
		r.log.Warn("session.id.collision")
	}
	return "", fmt.Errorf("generate session id: %d consecutive collisions", maxIDAttempts)
}

// Publish moves an initializing session to active and makes it visible to
// Lookup.
func (r *Registry[T]) Publish(s *Session[T]) error {
	if !s.activate() {
		return fmt.Errorf("publish %s: %w", s.id, ErrNotInitializing)
	}
	r.live.Store(s.id, s)
	if r.observer != nil {
		r.observer.SessionPublished(s.id)
	}
	r.log.Info("session.publish.ok", slog.String("session_id", s.id))
	return nil
}

// Discard abandons a session whose handshake did not complete. The
// transport is released and the id is never published. Discarding a
// session that was already published closes it instead.
func (r *Registry[T]) Discard(s *Session[T]) {
	if s == nil {
		return
	}
	if s.State() == StateActive {
		r.Close(s.id)
		return
	}
	if !s.state.CompareAndSwap(stateInitializing, stateClosed) {
		return
	}
	s.release()
	r.reserved.Delete(s.id)
	r.count.Add(-1)
	r.log.Info("session.discard.ok", slog.String("session_id", s.id))
}

// Lookup returns the live session for id. It never waits on sessions that
// are still initializing.
func (r *Registry[T]) Lookup(id string) (*Session[T], bool) {
	s, ok := r.live.Load(id)
	if !ok || s.State() != StateActive {
		return nil, false
	}
	return s, true
}

// Close transitions the session to closed, removes it and releases its
// transport. Closing an unknown or already closed id is a no-op.
func (r *Registry[T]) Close(id string) {
	s, ok := r.live.LoadAndDelete(id)
	if !ok {
		return
	}
	if !s.markClosed() {
		return
	}
	s.release()
	r.reserved.Delete(id)
	r.count.Add(-1)

	lifetime := r.now().Sub(s.createdAt)
	if r.observer != nil {
		r.observer.SessionClosed(id, lifetime)
	}
	r.log.Info("session.close.ok", slog.String("session_id", id), slog.Duration("lifetime", lifetime))
}

// CloseAll closes every live session. It is intended for process shutdown.
func (r *Registry[T]) CloseAll() {
	var ids []string
	r.live.Range(func(id string, _ *Session[T]) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		r.Close(id)
	}
}

// Len returns the number of live sessions.
func (r *Registry[T]) Len() int {
	return r.live.Size()
}
