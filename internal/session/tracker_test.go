package session_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"taskhub/internal/db"
	"taskhub/internal/domain"
	"taskhub/internal/identity"
	"taskhub/internal/migrate"
	"taskhub/internal/session"
	"taskhub/internal/store"
)

func setup(t *testing.T) (*identity.Local, store.Store) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	s := store.NewSQLStore(conn)
	l, err := identity.NewLocal(s, identity.LocalConfig{Secret: "test-secret", TokenTTL: time.Hour})
	require.NoError(t, err)
	return l.WithBcryptCost(bcrypt.MinCost), s
}

func TestTrackerFollowsSignInAndSignOut(t *testing.T) {
	l, s := setup(t)
	ctx := context.Background()
	u, err := l.SignUp(ctx, "mia@example.com", "correct-horse", identity.Attributes{FullName: "Mia", Role: domain.RoleManager})
	require.NoError(t, err)

	tr := session.NewTracker(l, s, nil)
	defer tr.Close()
	assert.Nil(t, tr.Current())

	var pushed []*domain.User
	stop := tr.Watch(func(p *domain.User) { pushed = append(pushed, p) })

	_, err = l.SignIn(ctx, "mia@example.com", "correct-horse")
	require.NoError(t, err)
	require.NotNil(t, tr.Current())
	assert.Equal(t, u.ID, tr.Current().ID)
	assert.Equal(t, domain.RoleManager, tr.Current().Role)

	_, err = l.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, u.ID, tr.Current().ID)

	require.NoError(t, l.SignOut(ctx))
	assert.Nil(t, tr.Current())

	stop()
	_, err = l.SignIn(ctx, "mia@example.com", "correct-horse")
	require.NoError(t, err)

	require.Len(t, pushed, 3)
	assert.NotNil(t, pushed[0])
	assert.NotNil(t, pushed[1])
	assert.Nil(t, pushed[2])
	assert.NotSame(t, pushed[0], pushed[1])
}

// gatedStore parks the next users lookup until release is closed.
type gatedStore struct {
	store.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Select(ctx context.Context, collection string, q store.Query) ([]store.Record, error) {
	if collection == store.Users && g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Store.Select(ctx, collection, q)
}

func TestTrackerSignOutWinsOverSlowSignIn(t *testing.T) {
	l, s := setup(t)
	ctx := context.Background()
	_, err := l.SignUp(ctx, "mia@example.com", "correct-horse", identity.Attributes{FullName: "Mia", Role: domain.RoleManager})
	require.NoError(t, err)

	gated := &gatedStore{Store: s, entered: make(chan struct{}), release: make(chan struct{})}
	tr := session.NewTracker(l, gated, nil)
	defer tr.Close()

	gated.armed.Store(true)
	signedIn := make(chan error, 1)
	go func() {
		_, err := l.SignIn(ctx, "mia@example.com", "correct-horse")
		signedIn <- err
	}()

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("sign-in never reached the store")
	}
	require.NoError(t, l.SignOut(ctx))
	assert.Nil(t, tr.Current())

	close(gated.release)
	require.NoError(t, <-signedIn)
	assert.Nil(t, tr.Current())

	_, err = l.SignIn(ctx, "mia@example.com", "correct-horse")
	require.NoError(t, err)
	require.NotNil(t, tr.Current())
	assert.Equal(t, "Mia", tr.Current().FullName)
}

func TestTrackerDropsDeactivatedPrincipal(t *testing.T) {
	l, s := setup(t)
	ctx := context.Background()
	u, err := l.SignUp(ctx, "eli@example.com", "correct-horse", identity.Attributes{})
	require.NoError(t, err)
	_, err = s.Update(ctx, store.Users, u.ID, store.Record{"is_active": false})
	require.NoError(t, err)

	tr := session.NewTracker(l, s, nil)
	defer tr.Close()
	_, err = l.SignIn(ctx, "eli@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Nil(t, tr.Current())
}

func TestTrackerCloseUnsubscribes(t *testing.T) {
	l, s := setup(t)
	ctx := context.Background()
	_, err := l.SignUp(ctx, "eli@example.com", "correct-horse", identity.Attributes{})
	require.NoError(t, err)

	tr := session.NewTracker(l, s, nil)
	tr.Close()
	tr.Close()
	_, err = l.SignIn(ctx, "eli@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Nil(t, tr.Current())
}

func TestResolve(t *testing.T) {
	l, s := setup(t)
	ctx := context.Background()
	u, err := l.SignUp(ctx, "eli@example.com", "correct-horse", identity.Attributes{})
	require.NoError(t, err)

	p, err := session.Resolve(ctx, s, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = session.Resolve(ctx, s, &identity.Session{UserID: "missing"})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = session.Resolve(ctx, s, &identity.Session{UserID: u.ID})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "eli@example.com", p.Email)
}
