package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. It backs unit tests and single-process
// experiments; servers use the SQL store.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*User
	databases map[string]*Database
	tables    map[string]map[string]*Table
	grants    map[string]map[string]map[Privilege]struct{}
	nextID    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*User),
		databases: make(map[string]*Database),
		tables:    make(map[string]map[string]*Table),
		grants:    make(map[string]map[string]map[Privilege]struct{}),
	}
}

func (s *MemoryStore) nextSequence() int64 {
	s.nextID++
	return s.nextID
}

// GetUser returns a user by name.
func (s *MemoryStore) GetUser(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

// CreateUser stores a new user.
func (s *MemoryStore) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Username]; ok {
		return ErrAlreadyExists
	}
	stored := *user
	stored.ID = s.nextSequence()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = &stored
	user.ID = stored.ID
	return nil
}

// DropUser removes a user and its grants.
func (s *MemoryStore) DropUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; !ok {
		return ErrNotFound
	}
	delete(s.users, username)
	delete(s.grants, username)
	return nil
}

// ListUsers returns all users ordered by name.
func (s *MemoryStore) ListUsers(_ context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sortUsers(out)
	return out, nil
}

// GetDatabase returns a database by name.
func (s *MemoryStore) GetDatabase(_ context.Context, name string) (*Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, ok := s.databases[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := *db
	return &out, nil
}

// ListDatabases returns all databases ordered by name.
func (s *MemoryStore) ListDatabases(_ context.Context) ([]*Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Database, 0, len(s.databases))
	for _, db := range s.databases {
		cp := *db
		out = append(out, &cp)
	}
	sortDatabases(out)
	return out, nil
}

// CreateDatabase stores a new database.
func (s *MemoryStore) CreateDatabase(_ context.Context, db *Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.databases[db.Name]; ok {
		return ErrAlreadyExists
	}
	stored := *db
	stored.ID = s.nextSequence()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.databases[db.Name] = &stored
	s.tables[db.Name] = make(map[string]*Table)
	db.ID = stored.ID
	return nil
}

// DeleteDatabase removes a database, its tables and its grants.
func (s *MemoryStore) DeleteDatabase(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.databases[name]; !ok {
		return ErrNotFound
	}
	delete(s.databases, name)
	delete(s.tables, name)
	for _, byDB := range s.grants {
		delete(byDB, name)
	}
	return nil
}

// GetTable returns one table's metadata.
func (s *MemoryStore) GetTable(_ context.Context, database, table string) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbls, ok := s.tables[database]
	if !ok {
		return nil, ErrNotFound
	}
	t, ok := tbls[table]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyTable(t)
	return &out, nil
}

// ListTables returns a database's tables ordered by name.
func (s *MemoryStore) ListTables(_ context.Context, database string) ([]*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbls, ok := s.tables[database]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*Table, 0, len(tbls))
	for _, t := range tbls {
		cp := copyTable(t)
		out = append(out, &cp)
	}
	sortTables(out)
	return out, nil
}

// CreateTable stores a table in a database.
func (s *MemoryStore) CreateTable(_ context.Context, database string, table *Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbls, ok := s.tables[database]
	if !ok {
		return ErrNotFound
	}
	if _, ok := tbls[table.Name]; ok {
		return ErrAlreadyExists
	}
	stored := copyTable(table)
	stored.ID = s.nextSequence()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	tbls[table.Name] = &stored
	table.ID = stored.ID
	return nil
}

// DropTable removes a table.
func (s *MemoryStore) DropTable(_ context.Context, database, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbls, ok := s.tables[database]
	if !ok {
		return ErrNotFound
	}
	if _, ok := tbls[table]; !ok {
		return ErrNotFound
	}
	delete(tbls, table)
	return nil
}

// Grant adds privileges for a user on a database.
func (s *MemoryStore) Grant(_ context.Context, username, database string, privs []Privilege) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDB, ok := s.grants[username]
	if !ok {
		byDB = make(map[string]map[Privilege]struct{})
		s.grants[username] = byDB
	}
	set, ok := byDB[database]
	if !ok {
		set = make(map[Privilege]struct{})
		byDB[database] = set
	}
	for _, p := range privs {
		set[p] = struct{}{}
	}
	return nil
}

// Revoke removes privileges for a user on a database.
func (s *MemoryStore) Revoke(_ context.Context, username, database string, privs []Privilege) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDB, ok := s.grants[username]
	if !ok {
		return nil
	}
	set, ok := byDB[database]
	if !ok {
		return nil
	}
	for _, p := range privs {
		delete(set, p)
	}
	return nil
}

// Privileges returns the privileges a user holds on a database.
func (s *MemoryStore) Privileges(_ context.Context, username, database string) ([]Privilege, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDB, ok := s.grants[username]
	if !ok {
		return nil, nil
	}
	set, ok := byDB[database]
	if !ok {
		return nil, nil
	}
	out := make([]Privilege, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sortPrivileges(out)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func copyTable(t *Table) Table {
	cp := *t
	cp.Columns = make([]Column, len(t.Columns))
	copy(cp.Columns, t.Columns)
	return cp
}

func sortUsers(users []*User) {
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
}

func sortDatabases(dbs []*Database) {
	sort.Slice(dbs, func(i, j int) bool { return dbs[i].Name < dbs[j].Name })
}

func sortTables(tbls []*Table) {
	sort.Slice(tbls, func(i, j int) bool { return tbls[i].Name < tbls[j].Name })
}

func sortPrivileges(privs []Privilege) {
	sort.Slice(privs, func(i, j int) bool { return privs[i] < privs[j] })
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
