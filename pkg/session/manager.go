package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/YarShev/omniscidb/pkg/catalog"
	"github.com/YarShev/omniscidb/pkg/cluster"
	"github.com/YarShev/omniscidb/pkg/dberr"
)

// Config configures a Manager.
type Config struct {
	// IdleTimeout expires a session whose last activity is older than this.
	IdleTimeout time.Duration

	// MaxDuration expires a session older than this regardless of activity.
	MaxDuration time.Duration

	// Leaves is the leaf topology stamped on every session's identity.
	Leaves *cluster.Registry

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Manager owns the session map. Structural mutations (insert on connect,
// remove on disconnect or expiry) serialize on the map lock; activity
// updates take only the entry's own lock so unrelated sessions never
// contend.
type Manager struct {
	auth   Authenticator
	idle   time.Duration
	maxAge time.Duration
	leaves *cluster.Registry
	log    *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry

	cancel context.CancelFunc
	done   chan struct{}
}

// entry is the live session state. lastActive and terminated are guarded by
// the entry lock; the identifying fields are immutable after insert.
type entry struct {
	id        string
	user      catalog.User
	database  string
	createdAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	terminated bool
}

// NewManager creates a session manager that authenticates through auth.
func NewManager(auth Authenticator, cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Minute
	}
	maxAge := cfg.MaxDuration
	if maxAge <= 0 {
		maxAge = 43200 * time.Minute
	}
	return &Manager{
		auth:     auth,
		idle:     idle,
		maxAge:   maxAge,
		leaves:   cfg.Leaves,
		log:      log,
		now:      now,
		sessions: make(map[string]*entry),
	}
}

// Connect authenticates the credentials and mints a new session. The
// returned identifier refers to exactly one (user, database) pair for its
// entire lifetime. Rejections surface the catalog's opaque auth error and
// issue no session.
func (m *Manager) Connect(ctx context.Context, username, password, database string) (string, error) {
	user, db, err := m.auth.Authenticate(ctx, username, password, database)
	if err != nil {
		return "", err
	}

	for {
		id, err := newSessionID()
		if err != nil {
			return "", err
		}
		now := m.now()
		e := &entry{
			id:         id,
			user:       *user,
			database:   db.Name,
			createdAt:  now,
			lastActive: now,
		}

		m.mu.Lock()
		if _, taken := m.sessions[id]; taken {
			// 128-bit collision; draw again.
			m.mu.Unlock()
			continue
		}
		m.sessions[id] = e
		m.mu.Unlock()

		m.log.Info("session connected",
			"session", shortID(id), "user", user.Username, "database", db.Name)
		return id, nil
	}
}

// Disconnect removes the session and immediately invalidates the identifier
// for all other components. A second disconnect of the same identifier fails
// with the session-not-found error so callers can detect double-disconnect
// bugs.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return dberr.ErrSessionNotFound
	}

	e.mu.Lock()
	e.terminated = true
	e.mu.Unlock()

	m.log.Info("session disconnected",
		"session", shortID(id), "user", e.user.Username, "database", e.database)
	return nil
}

// Touch records activity on the session. It evaluates the idle and absolute
// limits first: an expired session is lazily removed and the caller gets the
// session-expired error, so expired sessions never start new work.
func (m *Manager) Touch(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	now := m.now()
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return dberr.ErrSessionNotFound
	}
	if reason := e.expireReason(now, m.idle, m.maxAge); reason != "" {
		e.terminated = true
		e.mu.Unlock()
		m.remove(id)
		m.log.Info("session expired", "session", shortID(id), "reason", reason)
		return dberr.ErrSessionExpired
	}
	e.lastActive = now
	e.mu.Unlock()
	return nil
}

// Resolve returns the session's identity snapshot without recording
// activity. Like Touch it evaluates expiry lazily.
func (m *Manager) Resolve(id string) (Identity, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Identity{}, err
	}

	now := m.now()
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return Identity{}, dberr.ErrSessionNotFound
	}
	if reason := e.expireReason(now, m.idle, m.maxAge); reason != "" {
		e.terminated = true
		e.mu.Unlock()
		m.remove(id)
		m.log.Info("session expired", "session", shortID(id), "reason", reason)
		return Identity{}, dberr.ErrSessionExpired
	}
	ident := Identity{
		SessionID:  e.id,
		User:       e.user,
		Database:   e.database,
		Leaves:     m.leaves,
		CreatedAt:  e.createdAt,
		LastActive: e.lastActive,
	}
	e.mu.Unlock()
	return ident, nil
}

// Count returns the number of sessions currently in the map, including
// expired-but-unaccessed ones awaiting their lazy removal.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CountByDatabase returns how many live sessions are bound to the database.
// Used to refuse dropping a database that is in use.
func (m *Manager) CountByDatabase(database string) int {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.sessions {
		e.mu.Lock()
		if !e.terminated && e.database == database && e.expireReason(now, m.idle, m.maxAge) == "" {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Sweep removes every expired session and returns how many were removed.
// Purely a hygiene pass: lazy expiry on access remains authoritative.
func (m *Manager) Sweep(_ context.Context) int {
	now := m.now()

	m.mu.RLock()
	var expired []string
	for id, e := range m.sessions {
		e.mu.Lock()
		if !e.terminated && e.expireReason(now, m.idle, m.maxAge) != "" {
			e.terminated = true
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	m.mu.Lock()
	for _, id := range expired {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.log.Info("session sweep removed expired sessions", "count", len(expired))
	return len(expired)
}

// StartSweepRoutine starts a background goroutine that periodically sweeps
// expired sessions. The goroutine is stopped when Close is called.
func (m *Manager) StartSweepRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Close stops the sweep goroutine and waits for it to exit. It is safe to
// call Close even if StartSweepRoutine was never called.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return nil
}

// lookup fetches the live entry for id under the read lock.
func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, dberr.ErrSessionNotFound
	}
	return e, nil
}

// remove deletes the entry from the map after its lazy expiry.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// expireReason reports why the entry is expired, or "" while it is live.
// Callers hold the entry lock.
func (e *entry) expireReason(now time.Time, idle, maxAge time.Duration) string {
	if now.Sub(e.lastActive) > idle {
		return "idle"
	}
	if now.Sub(e.createdAt) > maxAge {
		return "absolute"
	}
	return ""
}
