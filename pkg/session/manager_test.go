package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YarShev/omniscidb/pkg/catalog"
	"github.com/YarShev/omniscidb/pkg/dberr"
)

const (
	mgrTestUser       = "alice"
	mgrTestPassword   = "alice-secret"
	mgrTestDatabase   = "omnisci"
	mgrTestIdle       = 10 * time.Minute
	mgrTestMaxAge     = time.Hour
	mgrTestGoroutines = 16
	mgrTestIterations = 50
)

// fakeClock is a manually advanced clock shared by a test's manager.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeAuth accepts exactly one (user, password) pair for any database name.
type fakeAuth struct {
	user     string
	password string
	calls    int
	mu       sync.Mutex
}

func (a *fakeAuth) Authenticate(_ context.Context, username, password, database string) (*catalog.User, *catalog.Database, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if username != a.user || password != a.password {
		return nil, nil, dberr.ErrAuthFailed
	}
	if database == "" {
		database = mgrTestDatabase
	}
	return &catalog.User{Username: username, CanLogin: true},
		&catalog.Database{Name: database}, nil
}

func newTestManager(clock *fakeClock) *Manager {
	return NewManager(
		&fakeAuth{user: mgrTestUser, password: mgrTestPassword},
		Config{
			IdleTimeout: mgrTestIdle,
			MaxDuration: mgrTestMaxAge,
			Clock:       clock.Now,
		},
	)
}

func TestManager_ConnectAndResolve(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)
	ctx := context.Background()

	id, err := m.Connect(ctx, mgrTestUser, mgrTestPassword, "")
	require.NoError(t, err)
	assert.Len(t, id, 2*sessionIDBytes, "identifier must have fixed length")

	ident, err := m.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, id, ident.SessionID)
	assert.Equal(t, mgrTestUser, ident.User.Username)
	assert.Equal(t, mgrTestDatabase, ident.Database)
	assert.Equal(t, clock.Now(), ident.CreatedAt)
}

func TestManager_ConnectRejectsBadCredentials(t *testing.T) {
	m := newTestManager(newFakeClock())

	id, err := m.Connect(context.Background(), mgrTestUser, "wrong", "")
	assert.ErrorIs(t, err, dberr.ErrAuthFailed)
	assert.Empty(t, id, "no session may be issued on rejection")
	assert.Zero(t, m.Count())
}

func TestManager_IdentifiersAreUnique(t *testing.T) {
	m := newTestManager(newFakeClock())
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := m.Connect(ctx, mgrTestUser, mgrTestPassword, "")
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "identifier %q issued twice", id)
		seen[id] = struct{}{}
	}
}

func TestManager_Disconnect(t *testing.T) {
	m := newTestManager(newFakeClock())
	ctx := context.Background()

	id, err := m.Connect(ctx, mgrTestUser, mgrTestPassword, "")
	require.NoError(t, err)

	require.NoError(t, m.Disconnect(id))

	_, err = m.Resolve(id)
	assert.ErrorIs(t, err, dberr.ErrSessionNotFound)
	assert.ErrorIs(t, m.Touch(id), dberr.ErrSessionNotFound)

	// Double disconnect is a detectable error, not a silent success.
	assert.ErrorIs(t, m.Disconnect(id), dberr.ErrSessionNotFound)
}

func TestManager_IdleExpiry(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	id, err := m.Connect(context.Background(), mgrTestUser, mgrTestPassword, "")
	require.NoError(t, err)

	clock.Advance(mgrTestIdle + time.Second)

	assert.ErrorIs(t, m.Touch(id), dberr.ErrSessionExpired)

	// The lazy transition removed it; later accesses see not-found.
	_, err = m.Resolve(id)
	assert.ErrorIs(t, err, dberr.ErrSessionNotFound)
	assert.Zero(t, m.Count())
}

func TestManager_TouchKeepsSessionAlive(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	id, err := m.Connect(context.Background(), mgrTestUser, mgrTestPassword, "")
	require.NoError(t, err)

	// Touch just inside the idle window, repeatedly.
	for i := 0; i < 4; i++ {
		clock.Advance(mgrTestIdle - time.Minute)
		require.NoError(t, m.Touch(id))
	}

	_, err = m.Resolve(id)
	assert.NoError(t, err)
}

func TestManager_AbsoluteExpiryDespiteActivity(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	id, err := m.Connect(context.Background(), mgrTestUser, mgrTestPassword, "")
	require.NoError(t, err)

	// Stay inside the idle window but cross the absolute limit.
	step := mgrTestIdle / 2
	for elapsed := time.Duration(0); elapsed <= mgrTestMaxAge; elapsed += step {
		clock.Advance(step)
		if err := m.Touch(id); err != nil {
			assert.ErrorIs(t, err, dberr.ErrSessionExpired)
			return
		}
	}
	t.Fatal("session outlived its absolute duration")
}

func TestManager_ResolveDoesNotExtendIdle(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	id, err := m.Connect(context.Background(), mgrTestUser, mgrTestPassword, "")
	require.NoError(t, err)

	// Resolve halfway through the idle window must not reset it.
	clock.Advance(mgrTestIdle / 2)
	_, err = m.Resolve(id)
	require.NoError(t, err)

	clock.Advance(mgrTestIdle/2 + time.Second)
	_, err = m.Resolve(id)
	assert.ErrorIs(t, err, dberr.ErrSessionExpired)
}

func TestManager_CountByDatabase(t *testing.T) {
	m := newTestManager(newFakeClock())
	ctx := context.Background()

	id1, err := m.Connect(ctx, mgrTestUser, mgrTestPassword, "sales")
	require.NoError(t, err)
	_, err = m.Connect(ctx, mgrTestUser, mgrTestPassword, "sales")
	require.NoError(t, err)
	_, err = m.Connect(ctx, mgrTestUser, mgrTestPassword, "ops")
	require.NoError(t, err)

	assert.Equal(t, 2, m.CountByDatabase("sales"))
	assert.Equal(t, 1, m.CountByDatabase("ops"))
	assert.Equal(t, 0, m.CountByDatabase("missing"))

	require.NoError(t, m.Disconnect(id1))
	assert.Equal(t, 1, m.CountByDatabase("sales"))
}

func TestManager_Sweep(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)
	ctx := context.Background()

	stale, err := m.Connect(ctx, mgrTestUser, mgrTestPassword, "")
	require.NoError(t, err)

	clock.Advance(mgrTestIdle / 2)
	fresh, err := m.Connect(ctx, mgrTestUser, mgrTestPassword, "")
	require.NoError(t, err)

	clock.Advance(mgrTestIdle/2 + time.Second)

	assert.Equal(t, 1, m.Sweep(ctx), "exactly the stale session is swept")
	assert.Equal(t, 1, m.Count())

	_, err = m.Resolve(stale)
	assert.ErrorIs(t, err, dberr.ErrSessionNotFound)
	_, err = m.Resolve(fresh)
	assert.NoError(t, err)
}

func TestManager_SweepRoutineLifecycle(t *testing.T) {
	m := NewManager(
		&fakeAuth{user: mgrTestUser, password: mgrTestPassword},
		Config{IdleTimeout: 10 * time.Millisecond, MaxDuration: time.Hour},
	)

	id, err := m.Connect(context.Background(), mgrTestUser, mgrTestPassword, "")
	require.NoError(t, err)

	m.StartSweepRoutine(5 * time.Millisecond)

	assert.Eventually(t, func() bool { return m.Count() == 0 },
		time.Second, 5*time.Millisecond, "sweep should remove the idle session")

	_, err = m.Resolve(id)
	assert.ErrorIs(t, err, dberr.ErrSessionNotFound)
	assert.NoError(t, m.Close())
}

func TestManager_CloseWithoutSweep(t *testing.T) {
	m := newTestManager(newFakeClock())
	assert.NoError(t, m.Close(), "Close without StartSweepRoutine must not panic")
}

func TestManager_ConcurrentConnectsAreIndependent(t *testing.T) {
	m := newTestManager(newFakeClock())
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([][]string, mgrTestGoroutines)
	for g := 0; g < mgrTestGoroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < mgrTestIterations; i++ {
				id, err := m.Connect(ctx, mgrTestUser, mgrTestPassword, "")
				if err == nil {
					ids[g] = append(ids[g], id)
				}
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	for _, batch := range ids {
		require.Len(t, batch, mgrTestIterations)
		for _, id := range batch {
			_, dup := seen[id]
			require.False(t, dup, "identifier %q issued twice", id)
			seen[id] = struct{}{}
		}
	}
	assert.Equal(t, mgrTestGoroutines*mgrTestIterations, m.Count())
}

func TestManager_ConcurrentTouchAndDisconnect(t *testing.T) {
	m := newTestManager(newFakeClock())
	ctx := context.Background()

	id, err := m.Connect(ctx, mgrTestUser, mgrTestPassword, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < mgrTestGoroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < mgrTestIterations; i++ {
				_ = m.Touch(id)
				_, _ = m.Resolve(id)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.Disconnect(id)
	}()
	wg.Wait()

	// Whatever the interleaving, the session is gone exactly once.
	assert.ErrorIs(t, m.Touch(id), dberr.ErrSessionNotFound)
	assert.Zero(t, m.Count())
}
