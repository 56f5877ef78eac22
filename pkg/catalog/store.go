package catalog

import "context"

// Store is the persistence boundary for catalog metadata. Implementations
// must be safe for concurrent use; the Catalog service layers privilege
// checks and DDL serialization on top.
type Store interface {
	// GetUser returns a user by name, ErrNotFound when absent.
	GetUser(ctx context.Context, username string) (*User, error)

	// CreateUser stores a new user, ErrAlreadyExists on duplicates.
	CreateUser(ctx context.Context, user *User) error

	// DropUser removes a user and all its grants, ErrNotFound when absent.
	DropUser(ctx context.Context, username string) error

	// ListUsers returns all users ordered by name.
	ListUsers(ctx context.Context) ([]*User, error)

	// GetDatabase returns a database by name, ErrNotFound when absent.
	GetDatabase(ctx context.Context, name string) (*Database, error)

	// ListDatabases returns all databases ordered by name.
	ListDatabases(ctx context.Context) ([]*Database, error)

	// CreateDatabase stores a new database, ErrAlreadyExists on duplicates.
	CreateDatabase(ctx context.Context, db *Database) error

	// DeleteDatabase removes a database with its tables and grants,
	// ErrNotFound when absent.
	DeleteDatabase(ctx context.Context, name string) error

	// GetTable returns one table's metadata, ErrNotFound when the database
	// or table is absent.
	GetTable(ctx context.Context, database, table string) (*Table, error)

	// ListTables returns a database's tables ordered by name, ErrNotFound
	// when the database is absent.
	ListTables(ctx context.Context, database string) ([]*Table, error)

	// CreateTable stores a table in a database, ErrAlreadyExists on
	// duplicates, ErrNotFound when the database is absent.
	CreateTable(ctx context.Context, database string, table *Table) error

	// DropTable removes a table, ErrNotFound when absent.
	DropTable(ctx context.Context, database, table string) error

	// Grant adds privileges for a user on a database. Granting an already
	// held privilege is a no-op.
	Grant(ctx context.Context, username, database string, privs []Privilege) error

	// Revoke removes privileges for a user on a database. Revoking a
	// privilege not held is a no-op.
	Revoke(ctx context.Context, username, database string, privs []Privilege) error

	// Privileges returns the privileges a user holds on a database.
	Privileges(ctx context.Context, username, database string) ([]Privilege, error)

	// Close releases store resources.
	Close() error
}
