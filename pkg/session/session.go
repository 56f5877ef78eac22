// Package session owns the mapping from opaque session identifiers to
// authenticated session state.
//
// The Manager is the single source of truth for session validity. Other
// components hold session identifiers only and resolve them per operation;
// they never keep a session object across calls that could race with expiry.
// Expiry is evaluated lazily on every access, with an optional background
// sweep as a hygiene measure that does not change observable semantics.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/YarShev/omniscidb/pkg/catalog"
	"github.com/YarShev/omniscidb/pkg/cluster"
)

// sessionIDBytes of cryptographic randomness form the 32-character
// hex-encoded session identifier.
const sessionIDBytes = 16

// Identity is the resolved view of a session handed to other components.
// It is a value snapshot: holding one does not pin the session, and a stale
// snapshot is caught by the next Touch or Resolve.
type Identity struct {
	// SessionID is the opaque identifier the snapshot was resolved from.
	SessionID string

	// User is the owning user as recorded at authentication time.
	User catalog.User

	// Database is the database the session is bound to for its lifetime.
	Database string

	// Leaves is the leaf topology active for this connection.
	Leaves *cluster.Registry

	// CreatedAt is when the session was established.
	CreatedAt time.Time

	// LastActive is the most recent authorized activity.
	LastActive time.Time
}

// Authenticator validates credentials against the catalog. Implemented by
// catalog.Catalog; tests substitute fakes.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password, database string) (*catalog.User, *catalog.Database, error)
}

// newSessionID draws a fresh unguessable identifier.
func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading session id randomness: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// shortID abbreviates a session identifier for logs. Full identifiers are
// bearer credentials and never logged.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
