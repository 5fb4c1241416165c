package sessions_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/health-research-mcp/sessions"
)

type fakeTransport struct {
	released atomic.Int32
}

func (f *fakeTransport) Release() { f.released.Add(1) }

func newFake(string) (*fakeTransport, error) { return &fakeTransport{}, nil }

func TestRegistry_CreateIsInvisibleUntilPublish(t *testing.T) {
	reg := sessions.NewRegistry[*fakeTransport]()

	s, err := reg.Create(newFake)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want, got := sessions.StateInitializing, s.State(); want != got {
		t.Fatalf("expected state %q, got %q", want, got)
	}
	if _, ok := reg.Lookup(s.ID()); ok {
		t.Fatalf("initializing session must not be visible to lookup")
	}

	if err := reg.Publish(s); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, ok := reg.Lookup(s.ID())
	if !ok || got != s {
		t.Fatalf("expected published session to be found")
	}
	if want, got := sessions.StateActive, s.State(); want != got {
		t.Fatalf("expected state %q, got %q", want, got)
	}
	if err := reg.Publish(s); !errors.Is(err, sessions.ErrNotInitializing) {
		t.Fatalf("expected ErrNotInitializing on second publish, got %v", err)
	}
	reg.CloseAll()
}

func TestRegistry_DiscardReleasesWithoutPublishing(t *testing.T) {
	reg := sessions.NewRegistry[*fakeTransport]()

	s, err := reg.Create(newFake)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reg.Discard(s)
	reg.Discard(s)

	if want, got := int32(1), s.Transport().released.Load(); want != got {
		t.Fatalf("expected %d release, got %d", want, got)
	}
	if want, got := sessions.StateClosed, s.State(); want != got {
		t.Fatalf("expected state %q, got %q", want, got)
	}
	if _, ok := reg.Lookup(s.ID()); ok {
		t.Fatalf("discarded session must not be visible")
	}
	if err := reg.Publish(s); !errors.Is(err, sessions.ErrNotInitializing) {
		t.Fatalf("expected discarded session to refuse publish, got %v", err)
	}
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	reg := sessions.NewRegistry[*fakeTransport]()

	s, _ := reg.Create(newFake)
	if err := reg.Publish(s); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reg.Close(s.ID())
	reg.Close(s.ID())
	reg.Close("does-not-exist")

	if want, got := int32(1), s.Transport().released.Load(); want != got {
		t.Fatalf("expected %d release, got %d", want, got)
	}
	if _, ok := reg.Lookup(s.ID()); ok {
		t.Fatalf("closed session must not be visible")
	}
	if want, got := sessions.StateClosed, s.State(); want != got {
		t.Fatalf("expected state %q, got %q", want, got)
	}
	if want, got := 0, reg.Len(); want != got {
		t.Fatalf("expected %d live sessions, got %d", want, got)
	}
}

func TestRegistry_ConcurrentCloseReleasesOnce(t *testing.T) {
	reg := sessions.NewRegistry[*fakeTransport]()
	s, _ := reg.Create(newFake)
	if err := reg.Publish(s); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Close(s.ID())
		}()
	}
	wg.Wait()

	if want, got := int32(1), s.Transport().released.Load(); want != got {
		t.Fatalf("expected %d release, got %d", want, got)
	}
}

func TestRegistry_ConcurrentCreateYieldsDistinctIDs(t *testing.T) {
	reg := sessions.NewRegistry[*fakeTransport]()

	const n = 256
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := reg.Create(newFake)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if err := reg.Publish(s); err != nil {
				t.Errorf("publish: %v", err)
				return
			}
			ids <- s.ID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
	if want, got := n, reg.Len(); want != got {
		t.Fatalf("expected %d live sessions, got %d", want, got)
	}

	// Every session is independently closable.
	for id := range seen {
		reg.Close(id)
		if _, ok := reg.Lookup(id); ok {
			t.Fatalf("session %q still visible after close", id)
		}
	}
	if want, got := 0, reg.Len(); want != got {
		t.Fatalf("expected %d live sessions, got %d", want, got)
	}
}

func TestRegistry_ReservedIDsAreNotHandedOutTwice(t *testing.T) {
	var calls atomic.Int32
	gen := func() (string, error) {
		// The first two draws collide; the third is fresh.
		if calls.Add(1) <= 2 {
			return "fixed", nil
		}
		return fmt.Sprintf("id-%d", calls.Load()), nil
	}
	reg := sessions.NewRegistry[*fakeTransport](sessions.WithIDGenerator(gen))

	a, err := reg.Create(newFake)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := reg.Create(newFake)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatalf("expected distinct ids, both were %q", a.ID())
	}
	reg.Discard(a)
	reg.Discard(b)
}

func TestRegistry_MaxSessions(t *testing.T) {
	reg := sessions.NewRegistry[*fakeTransport](sessions.WithMaxSessions(1))

	a, err := reg.Create(newFake)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Create(newFake); !errors.Is(err, sessions.ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}

	reg.Discard(a)
	b, err := reg.Create(newFake)
	if err != nil {
		t.Fatalf("expected capacity to be returned after discard: %v", err)
	}
	reg.Discard(b)
}

func TestRegistry_TransportFactoryFailure(t *testing.T) {
	reg := sessions.NewRegistry[*fakeTransport](sessions.WithMaxSessions(1))
	boom := errors.New("boom")

	_, err := reg.Create(func(string) (*fakeTransport, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
	s, err := reg.Create(newFake)
	if err != nil {
		t.Fatalf("expected slot to be free after factory failure: %v", err)
	}
	reg.Discard(s)
}

type recordingObserver struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (o *recordingObserver) SessionPublished(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, id)
}

func (o *recordingObserver) SessionClosed(id string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, id)
}

func TestRegistry_CloseAllNotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	reg := sessions.NewRegistry[*fakeTransport](sessions.WithObserver(obs))

	for range 3 {
		s, _ := reg.Create(newFake)
		if err := reg.Publish(s); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	reg.CloseAll()

	if want, got := 3, len(obs.opened); want != got {
		t.Fatalf("expected %d published events, got %d", want, got)
	}
	if want, got := 3, len(obs.closed); want != got {
		t.Fatalf("expected %d closed events, got %d", want, got)
	}
}
