package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/YarShev/omniscidb/pkg/dberr"
)

// Default bootstrap identity, created on first boot.
const (
	DefaultSuperuser = "admin"
	DefaultPassword  = "HyperInteractive"
)

// Config configures the catalog service.
type Config struct {
	// DefaultDatabase is the database used when a client connects with an
	// empty database name, created by EnsureDefaults.
	DefaultDatabase string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Catalog is the metadata service. It wraps a Store with authentication,
// privilege enforcement and per-database DDL serialization.
type Catalog struct {
	store     Store
	defaultDB string
	log       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// New creates a catalog service over a store.
func New(store Store, cfg Config) *Catalog {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	defaultDB := cfg.DefaultDatabase
	if defaultDB == "" {
		defaultDB = "omnisci"
	}
	return &Catalog{
		store:     store,
		defaultDB: defaultDB,
		log:       log,
		locks:     make(map[string]*sync.RWMutex),
	}
}

// DefaultDatabase returns the name used for empty database names at connect.
func (c *Catalog) DefaultDatabase() string {
	return c.defaultDB
}

// dbLock returns the lock serializing DDL on one database. Readers of that
// database's metadata take the read side so they never observe a
// partially-applied change.
func (c *Catalog) dbLock(name string) *sync.RWMutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		c.locks[name] = l
	}
	return l
}

// dummyHash is compared against when the user is unknown so that unknown
// users cost the same as a failed password check.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("omnisci-timing-pad"), bcrypt.DefaultCost)
	return h
})

// EnsureDefaults creates the default superuser and default database when
// absent. Safe to call on every boot.
func (c *Catalog) EnsureDefaults(ctx context.Context) error {
	_, err := c.store.GetUser(ctx, DefaultSuperuser)
	switch {
	case errors.Is(err, ErrNotFound):
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(DefaultPassword), bcrypt.DefaultCost)
		if hashErr != nil {
			return fmt.Errorf("hashing default password: %w", hashErr)
		}
		u := &User{
			Username:     DefaultSuperuser,
			PasswordHash: string(hash),
			IsSuper:      true,
			CanLogin:     true,
		}
		if err := c.store.CreateUser(ctx, u); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("creating default superuser: %w", err)
		}
		c.log.Info("created default superuser", "user", DefaultSuperuser)
	case err != nil:
		return fmt.Errorf("checking default superuser: %w", err)
	}

	_, err = c.store.GetDatabase(ctx, c.defaultDB)
	switch {
	case errors.Is(err, ErrNotFound):
		db := &Database{Name: c.defaultDB, Owner: DefaultSuperuser}
		if err := c.store.CreateDatabase(ctx, db); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("creating default database: %w", err)
		}
		c.log.Info("created default database", "database", c.defaultDB)
	case err != nil:
		return fmt.Errorf("checking default database: %w", err)
	}

	return nil
}

// Authenticate verifies credentials and access to a database. An empty
// database name resolves to the default database. Every rejection returns
// the same opaque error; the cause is only logged at debug level.
// Authentication never mutates catalog state.
func (c *Catalog) Authenticate(ctx context.Context, username, password, database string) (*User, *Database, error) {
	if database == "" {
		database = c.defaultDB
	}

	reject := func(reason string) (*User, *Database, error) {
		c.log.Debug("authentication rejected", "user", username, "database", database, "reason", reason)
		return nil, nil, dberr.ErrAuthFailed
	}

	user, err := c.store.GetUser(ctx, username)
	if errors.Is(err, ErrNotFound) {
		// Keep unknown users indistinguishable from bad passwords by timing.
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return reject("unknown user")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading user %q: %w", username, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return reject("bad credential")
	}
	if !user.CanLogin {
		return reject("login disabled")
	}

	lock := c.dbLock(database)
	lock.RLock()
	defer lock.RUnlock()

	db, err := c.store.GetDatabase(ctx, database)
	if errors.Is(err, ErrNotFound) {
		return reject("unknown database")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading database %q: %w", database, err)
	}

	if !user.IsSuper {
		privs, err := c.store.Privileges(ctx, username, database)
		if err != nil {
			return nil, nil, fmt.Errorf("loading privileges: %w", err)
		}
		if !hasPrivilege(privs, PrivAccess) {
			return reject("no access privilege")
		}
	}

	return user, db, nil
}

// GetUser returns a user by name.
func (c *Catalog) GetUser(ctx context.Context, username string) (*User, error) {
	return c.store.GetUser(ctx, username)
}

// GetDatabase returns a database's metadata.
func (c *Catalog) GetDatabase(ctx context.Context, name string) (*Database, error) {
	lock := c.dbLock(name)
	lock.RLock()
	defer lock.RUnlock()
	return c.store.GetDatabase(ctx, name)
}

// ListDatabases returns all databases.
func (c *Catalog) ListDatabases(ctx context.Context) ([]*Database, error) {
	return c.store.ListDatabases(ctx)
}

// CreateUser creates a user. Requires a superuser requester.
func (c *Catalog) CreateUser(ctx context.Context, requester *User, username, password string, isSuper bool) error {
	if requester == nil || !requester.IsSuper {
		return ErrPermissionDenied
	}
	if username == "" {
		return fmt.Errorf("user name is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	u := &User{
		Username:     username,
		PasswordHash: string(hash),
		IsSuper:      isSuper,
		CanLogin:     true,
	}
	if err := c.store.CreateUser(ctx, u); err != nil {
		return err
	}
	c.log.Info("created user", "user", username, "super", isSuper, "by", requester.Username)
	return nil
}

// DropUser removes a user. Requires a superuser requester. The bootstrap
// superuser cannot be dropped.
func (c *Catalog) DropUser(ctx context.Context, requester *User, username string) error {
	if requester == nil || !requester.IsSuper {
		return ErrPermissionDenied
	}
	if username == DefaultSuperuser {
		return ErrPermissionDenied
	}
	if err := c.store.DropUser(ctx, username); err != nil {
		return err
	}
	c.log.Info("dropped user", "user", username, "by", requester.Username)
	return nil
}

// CreateDatabase creates a database owned by the requester. Requires a
// superuser requester.
func (c *Catalog) CreateDatabase(ctx context.Context, requester *User, name string) error {
	if requester == nil || !requester.IsSuper {
		return ErrPermissionDenied
	}
	if name == "" {
		return fmt.Errorf("database name is required")
	}

	lock := c.dbLock(name)
	lock.Lock()
	defer lock.Unlock()

	db := &Database{Name: name, Owner: requester.Username}
	if err := c.store.CreateDatabase(ctx, db); err != nil {
		return err
	}
	c.log.Info("created database", "database", name, "owner", requester.Username)
	return nil
}

// DropDatabase removes a database with its tables and grants. Allowed for
// superusers and the database owner. The default database cannot be dropped.
func (c *Catalog) DropDatabase(ctx context.Context, requester *User, name string) error {
	if requester == nil {
		return ErrPermissionDenied
	}
	if name == c.defaultDB {
		return ErrPermissionDenied
	}

	lock := c.dbLock(name)
	lock.Lock()
	defer lock.Unlock()

	db, err := c.store.GetDatabase(ctx, name)
	if err != nil {
		return err
	}
	if !requester.IsSuper && db.Owner != requester.Username {
		return ErrPermissionDenied
	}
	if err := c.store.DeleteDatabase(ctx, name); err != nil {
		return err
	}
	c.log.Info("dropped database", "database", name, "by", requester.Username)
	return nil
}

// CreateTable records a table in a database. Requires the create_table
// privilege or a superuser.
func (c *Catalog) CreateTable(ctx context.Context, user *User, database, name string, columns []Column) error {
	ok, err := c.HasPrivilege(ctx, user, database, PrivCreateTable)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPermissionDenied
	}
	if name == "" {
		return fmt.Errorf("table name is required")
	}

	lock := c.dbLock(database)
	lock.Lock()
	defer lock.Unlock()

	tbl := &Table{Name: name, Columns: columns}
	if err := c.store.CreateTable(ctx, database, tbl); err != nil {
		return err
	}
	c.log.Info("created table", "database", database, "table", name, "by", user.Username)
	return nil
}

// DropTable removes a table. Requires the drop_table privilege or a
// superuser.
func (c *Catalog) DropTable(ctx context.Context, user *User, database, name string) error {
	ok, err := c.HasPrivilege(ctx, user, database, PrivDropTable)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPermissionDenied
	}

	lock := c.dbLock(database)
	lock.Lock()
	defer lock.Unlock()

	if err := c.store.DropTable(ctx, database, name); err != nil {
		return err
	}
	c.log.Info("dropped table", "database", database, "table", name, "by", user.Username)
	return nil
}

// GetTable returns one table's metadata.
func (c *Catalog) GetTable(ctx context.Context, database, name string) (*Table, error) {
	lock := c.dbLock(database)
	lock.RLock()
	defer lock.RUnlock()
	return c.store.GetTable(ctx, database, name)
}

// ListTables returns a database's tables.
func (c *Catalog) ListTables(ctx context.Context, database string) ([]*Table, error) {
	lock := c.dbLock(database)
	lock.RLock()
	defer lock.RUnlock()
	return c.store.ListTables(ctx, database)
}

// Grant adds privileges for a user on a database. Requires a superuser
// requester.
func (c *Catalog) Grant(ctx context.Context, requester *User, username, database string, privs []Privilege) error {
	if err := c.checkGrantArgs(ctx, requester, username, database, privs); err != nil {
		return err
	}

	lock := c.dbLock(database)
	lock.Lock()
	defer lock.Unlock()

	if err := c.store.Grant(ctx, username, database, privs); err != nil {
		return err
	}
	c.log.Info("granted privileges", "user", username, "database", database, "privileges", privs, "by", requester.Username)
	return nil
}

// Revoke removes privileges for a user on a database. Requires a superuser
// requester.
func (c *Catalog) Revoke(ctx context.Context, requester *User, username, database string, privs []Privilege) error {
	if err := c.checkGrantArgs(ctx, requester, username, database, privs); err != nil {
		return err
	}

	lock := c.dbLock(database)
	lock.Lock()
	defer lock.Unlock()

	if err := c.store.Revoke(ctx, username, database, privs); err != nil {
		return err
	}
	c.log.Info("revoked privileges", "user", username, "database", database, "privileges", privs, "by", requester.Username)
	return nil
}

func (c *Catalog) checkGrantArgs(ctx context.Context, requester *User, username, database string, privs []Privilege) error {
	if requester == nil || !requester.IsSuper {
		return ErrPermissionDenied
	}
	for _, p := range privs {
		if !p.Valid() {
			return fmt.Errorf("unknown privilege %q", p)
		}
	}
	if _, err := c.store.GetUser(ctx, username); err != nil {
		return err
	}
	if _, err := c.store.GetDatabase(ctx, database); err != nil {
		return err
	}
	return nil
}

// HasPrivilege reports whether the user holds a privilege on a database.
// Superusers hold every privilege.
func (c *Catalog) HasPrivilege(ctx context.Context, user *User, database string, priv Privilege) (bool, error) {
	if user == nil {
		return false, nil
	}
	if user.IsSuper {
		return true, nil
	}
	privs, err := c.store.Privileges(ctx, user.Username, database)
	if err != nil {
		return false, fmt.Errorf("loading privileges: %w", err)
	}
	return hasPrivilege(privs, priv), nil
}

// Close releases the underlying store.
func (c *Catalog) Close() error {
	return c.store.Close()
}

func hasPrivilege(privs []Privilege, want Privilege) bool {
	for _, p := range privs {
		if p == want {
			return true
		}
	}
	return false
}
