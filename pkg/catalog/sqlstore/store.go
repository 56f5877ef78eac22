// Package sqlstore persists catalog metadata in a relational database.
//
// The embedded SQLite backend is the single-node default; Postgres serves
// cluster deployments that share one metadata database. Both run the same
// embedded migrations and speak through the same statement builders.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/YarShev/omniscidb/pkg/catalog"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

// catalogFileName is the embedded catalog database under the data path.
const catalogFileName = "omnisci_catalog.db"

var (
	userColumns     = []string{"id", "username", "password_hash", "is_super", "can_login", "created_at"}
	databaseColumns = []string{"id", "name", "owner", "created_at"}
	tableColumns    = []string{"id", "name", "columns", "created_at"}
)

// Store implements catalog.Store on database/sql.
type Store struct {
	db      *sql.DB
	driver  Driver
	builder sq.StatementBuilderType
}

// New wraps an open database handle. The schema must already be migrated;
// the Open helpers do both.
func New(db *sql.DB, driver Driver) *Store {
	builder := sq.StatementBuilder
	if driver == DriverPostgres {
		builder = builder.PlaceholderFormat(sq.Dollar)
	}
	return &Store{db: db, driver: driver, builder: builder}
}

// OpenSQLite opens (creating if needed) the embedded catalog database under
// dataDir and migrates its schema.
func OpenSQLite(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000",
		filepath.Join(dataDir, catalogFileName))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent DDL.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db, DriverSQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, DriverSQLite), nil
}

// OpenPostgres connects to a shared metadata database and migrates its
// schema.
func OpenPostgres(dsn string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging catalog database: %w", err)
	}

	if err := runMigrations(db, DriverPostgres); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, DriverPostgres), nil
}

// GetUser returns a user by name.
func (s *Store) GetUser(ctx context.Context, username string) (*catalog.User, error) {
	query, args, err := s.builder.Select(userColumns...).
		From("users").Where(sq.Eq{"username": username}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building user query: %w", err)
	}

	var u catalog.User
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsSuper, &u.CanLogin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// CreateUser stores a new user and fills in its assigned id.
func (s *Store) CreateUser(ctx context.Context, user *catalog.User) error {
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	id, err := s.insertReturningID(ctx, s.builder.Insert("users").
		Columns("username", "password_hash", "is_super", "can_login", "created_at").
		Values(user.Username, user.PasswordHash, user.IsSuper, user.CanLogin, createdAt))
	if isUniqueViolation(err) {
		return catalog.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	user.ID = id
	user.CreatedAt = createdAt
	return nil
}

// DropUser removes a user together with all its grants.
func (s *Store) DropUser(ctx context.Context, username string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning drop user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := s.builder.Delete("privileges").Where(sq.Eq{"username": username}).ToSql()
	if err != nil {
		return fmt.Errorf("building privilege cleanup: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting user privileges: %w", err)
	}

	query, args, err = s.builder.Delete("users").Where(sq.Eq{"username": username}).ToSql()
	if err != nil {
		return fmt.Errorf("building user delete: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return catalog.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing drop user: %w", err)
	}
	return nil
}

// ListUsers returns all users ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]*catalog.User, error) {
	query, args, err := s.builder.Select(userColumns...).
		From("users").OrderBy("username").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building users query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*catalog.User
	for rows.Next() {
		var u catalog.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsSuper, &u.CanLogin, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// GetDatabase returns a database by name.
func (s *Store) GetDatabase(ctx context.Context, name string) (*catalog.Database, error) {
	query, args, err := s.builder.Select(databaseColumns...).
		From("databases").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building database query: %w", err)
	}

	var db catalog.Database
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&db.ID, &db.Name, &db.Owner, &db.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning database: %w", err)
	}
	return &db, nil
}

// ListDatabases returns all databases ordered by name.
func (s *Store) ListDatabases(ctx context.Context) ([]*catalog.Database, error) {
	query, args, err := s.builder.Select(databaseColumns...).
		From("databases").OrderBy("name").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building databases query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying databases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dbs []*catalog.Database
	for rows.Next() {
		var db catalog.Database
		if err := rows.Scan(&db.ID, &db.Name, &db.Owner, &db.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning database: %w", err)
		}
		dbs = append(dbs, &db)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating databases: %w", err)
	}
	return dbs, nil
}

// CreateDatabase stores a new database and fills in its assigned id.
func (s *Store) CreateDatabase(ctx context.Context, db *catalog.Database) error {
	createdAt := db.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	id, err := s.insertReturningID(ctx, s.builder.Insert("databases").
		Columns("name", "owner", "created_at").
		Values(db.Name, db.Owner, createdAt))
	if isUniqueViolation(err) {
		return catalog.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting database: %w", err)
	}

	db.ID = id
	db.CreatedAt = createdAt
	return nil
}

// DeleteDatabase removes a database; tables and grants cascade.
func (s *Store) DeleteDatabase(ctx context.Context, name string) error {
	query, args, err := s.builder.Delete("databases").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return fmt.Errorf("building database delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting database: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// GetTable returns one table's metadata.
func (s *Store) GetTable(ctx context.Context, database, table string) (*catalog.Table, error) {
	dbID, err := s.databaseID(ctx, database)
	if err != nil {
		return nil, err
	}

	query, args, err := s.builder.Select(tableColumns...).
		From("tables").Where(sq.Eq{"database_id": dbID, "name": table}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building table query: %w", err)
	}

	var (
		t       catalog.Table
		columns []byte
	)
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&t.ID, &t.Name, &columns, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning table: %w", err)
	}
	if err := json.Unmarshal(columns, &t.Columns); err != nil {
		return nil, fmt.Errorf("decoding table columns: %w", err)
	}
	return &t, nil
}

// ListTables returns a database's tables ordered by name.
func (s *Store) ListTables(ctx context.Context, database string) ([]*catalog.Table, error) {
	dbID, err := s.databaseID(ctx, database)
	if err != nil {
		return nil, err
	}

	query, args, err := s.builder.Select(tableColumns...).
		From("tables").Where(sq.Eq{"database_id": dbID}).OrderBy("name").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building tables query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []*catalog.Table
	for rows.Next() {
		var (
			t       catalog.Table
			columns []byte
		)
		if err := rows.Scan(&t.ID, &t.Name, &columns, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning table: %w", err)
		}
		if err := json.Unmarshal(columns, &t.Columns); err != nil {
			return nil, fmt.Errorf("decoding table columns: %w", err)
		}
		tables = append(tables, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tables: %w", err)
	}
	return tables, nil
}

// CreateTable stores a table in a database and fills in its assigned id.
func (s *Store) CreateTable(ctx context.Context, database string, table *catalog.Table) error {
	dbID, err := s.databaseID(ctx, database)
	if err != nil {
		return err
	}

	columns, err := json.Marshal(table.Columns)
	if err != nil {
		return fmt.Errorf("encoding table columns: %w", err)
	}
	createdAt := table.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	id, err := s.insertReturningID(ctx, s.builder.Insert("tables").
		Columns("database_id", "name", "columns", "created_at").
		Values(dbID, table.Name, columns, createdAt))
	if isUniqueViolation(err) {
		return catalog.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting table: %w", err)
	}

	table.ID = id
	table.CreatedAt = createdAt
	return nil
}

// DropTable removes a table.
func (s *Store) DropTable(ctx context.Context, database, table string) error {
	dbID, err := s.databaseID(ctx, database)
	if err != nil {
		return err
	}

	query, args, err := s.builder.Delete("tables").
		Where(sq.Eq{"database_id": dbID, "name": table}).ToSql()
	if err != nil {
		return fmt.Errorf("building table delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting table: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// Grant adds privileges for a user on a database. Already held privileges
// are left as they are.
func (s *Store) Grant(ctx context.Context, username, database string, privs []catalog.Privilege) error {
	if len(privs) == 0 {
		return nil
	}
	dbID, err := s.databaseID(ctx, database)
	if err != nil {
		return err
	}

	qb := s.builder.Insert("privileges").Columns("username", "database_id", "privilege")
	for _, p := range privs {
		qb = qb.Values(username, dbID, string(p))
	}
	query, args, err := qb.Suffix("ON CONFLICT DO NOTHING").ToSql()
	if err != nil {
		return fmt.Errorf("building grant: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting grants: %w", err)
	}
	return nil
}

// Revoke removes privileges for a user on a database. Privileges not held
// are ignored.
func (s *Store) Revoke(ctx context.Context, username, database string, privs []catalog.Privilege) error {
	if len(privs) == 0 {
		return nil
	}
	dbID, err := s.databaseID(ctx, database)
	if err != nil {
		return err
	}

	query, args, err := s.builder.Delete("privileges").
		Where(sq.Eq{"username": username, "database_id": dbID, "privilege": privilegeNames(privs)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building revoke: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting grants: %w", err)
	}
	return nil
}

// Privileges returns the privileges a user holds on a database.
func (s *Store) Privileges(ctx context.Context, username, database string) ([]catalog.Privilege, error) {
	dbID, err := s.databaseID(ctx, database)
	if err != nil {
		return nil, err
	}

	query, args, err := s.builder.Select("privilege").
		From("privileges").
		Where(sq.Eq{"username": username, "database_id": dbID}).
		OrderBy("privilege").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building privileges query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying privileges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var privs []catalog.Privilege
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning privilege: %w", err)
		}
		privs = append(privs, catalog.Privilege(p))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating privileges: %w", err)
	}
	return privs, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so other subsystems can share the
// metadata database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver reports which SQL backend the store speaks to.
func (s *Store) Driver() Driver {
	return s.driver
}

// databaseID resolves a database name to its key.
func (s *Store) databaseID(ctx context.Context, name string) (int64, error) {
	query, args, err := s.builder.Select("id").
		From("databases").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("building database id query: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, catalog.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolving database id: %w", err)
	}
	return id, nil
}

// insertReturningID executes an insert and reports the assigned key, using
// RETURNING on Postgres and the driver's last-insert id on SQLite.
func (s *Store) insertReturningID(ctx context.Context, qb sq.InsertBuilder) (int64, error) {
	if s.driver == DriverPostgres {
		query, args, err := qb.Suffix("RETURNING id").ToSql()
		if err != nil {
			return 0, fmt.Errorf("building insert: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building insert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// isUniqueViolation recognizes duplicate-key failures from either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func privilegeNames(privs []catalog.Privilege) []string {
	names := make([]string, 0, len(privs))
	for _, p := range privs {
		names = append(names, string(p))
	}
	return names
}

// Verify interface compliance.
var _ catalog.Store = (*Store)(nil)
