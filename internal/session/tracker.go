// Package session turns identity notifications into the current principal.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"taskhub/internal/domain"
	"taskhub/internal/identity"
	"taskhub/internal/store"
)

// Resolve loads the principal behind s. A nil session, a missing profile
// and a deactivated profile all resolve to nil.
func Resolve(ctx context.Context, s store.Store, sess *identity.Session) (*domain.User, error) {
	if sess == nil || sess.UserID == "" {
		return nil, nil
	}
	rec, err := store.First(ctx, s, store.Users, "id", sess.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var u domain.User
	if err := store.Decode(rec, &u); err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, nil
	}
	return &u, nil
}

// Tracker holds the principal of the provider's current session. The
// snapshot is replaced whole on every change and never mutated in place.
// Only the latest notification may publish: a resolve that finishes after a
// newer change is dropped.
type Tracker struct {
	store store.Store
	log   *zap.Logger

	current atomic.Pointer[domain.User]

	mu        sync.Mutex
	gen       uint64
	closed    bool
	watchers  map[int]func(*domain.User)
	nextID    int
	unsub     func()
	closeOnce sync.Once
}

// NewTracker subscribes to p. Call Close to tear the subscription down.
func NewTracker(p identity.Provider, s store.Store, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{store: s, log: log, watchers: map[int]func(*domain.User){}}
	t.unsub = p.Subscribe(t.onChange)
	return t
}

func (t *Tracker) onChange(sess *identity.Session) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	u, err := Resolve(context.Background(), t.store, sess)
	if err != nil {
		t.log.Warn("resolve principal", zap.Error(err))
		u = nil
	}

	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		t.log.Debug("dropped stale principal", zap.Uint64("generation", gen))
		return
	}
	t.current.Store(u)
	fns := make([]func(*domain.User), 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

// Current returns the principal snapshot, nil when unauthenticated.
func (t *Tracker) Current() *domain.User {
	return t.current.Load()
}

// Watch pushes every new snapshot to fn until stop is called.
func (t *Tracker) Watch(fn func(*domain.User)) (stop func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.watchers[id] = fn
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.watchers, id)
			t.mu.Unlock()
		})
	}
}

// Close unsubscribes from the provider and drops the snapshot.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		if t.unsub != nil {
			t.unsub()
		}
		t.mu.Lock()
		t.closed = true
		t.gen++
		t.current.Store(nil)
		t.watchers = map[int]func(*domain.User){}
		t.mu.Unlock()
	})
}
