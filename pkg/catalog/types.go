// Package catalog provides access to the engine's metadata: databases, users,
// tables and privileges.
//
// The catalog is the authority for authentication and authorization decisions
// but never owns sessions; it hands user metadata to the session layer and
// answers privilege questions during dispatch. Administrative mutations on a
// database are serialized against each other and against metadata reads of
// the same database, so readers always observe a fully-applied schema.
package catalog

import (
	"errors"
	"time"
)

// Sentinel errors returned by catalog operations.
var (
	// ErrNotFound is returned when a user, database or table does not
	// exist. Authentication paths must not leak it to clients.
	ErrNotFound = errors.New("catalog: not found")

	// ErrAlreadyExists is returned by create operations on duplicates.
	ErrAlreadyExists = errors.New("catalog: already exists")

	// ErrPermissionDenied is returned by administrative operations when
	// the requesting user lacks the right to perform them.
	ErrPermissionDenied = errors.New("catalog: permission denied")

	// ErrDatabaseInUse is returned when dropping a database that still has
	// active sessions bound to it.
	ErrDatabaseInUse = errors.New("catalog: database in use")
)

// User is the global user record. Privileges are granted per database.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsSuper      bool      `json:"is_super"`
	CanLogin     bool      `json:"can_login"`
	CreatedAt    time.Time `json:"created_at"`
}

// Database is one catalog database.
type Database struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// Column describes one table column. Types are opaque strings at this layer;
// the storage collaborator interprets them.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table is one table's metadata within a database.
type Table struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Columns   []Column  `json:"columns"`
	CreatedAt time.Time `json:"created_at"`
}

// Privilege names one grantable right on a database.
type Privilege string

const (
	// PrivAccess allows connecting to the database.
	PrivAccess Privilege = "access"
	// PrivSelect allows reading data.
	PrivSelect Privilege = "select"
	// PrivInsert allows writing data.
	PrivInsert Privilege = "insert"
	// PrivCreateTable allows creating tables.
	PrivCreateTable Privilege = "create_table"
	// PrivDropTable allows dropping tables.
	PrivDropTable Privilege = "drop_table"
)

// Valid reports whether p is a known privilege.
func (p Privilege) Valid() bool {
	switch p {
	case PrivAccess, PrivSelect, PrivInsert, PrivCreateTable, PrivDropTable:
		return true
	}
	return false
}
