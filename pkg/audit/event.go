package audit

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	// EventTypeConnect is a session establishment event.
	EventTypeConnect EventType = "connect"

	// EventTypeDisconnect is a session teardown event.
	EventTypeDisconnect EventType = "disconnect"

	// EventTypeStatement is a SQL statement execution event.
	EventTypeStatement EventType = "statement"

	// EventTypeAdmin is an administrative event such as a GPU memory
	// clear or a runtime UDF registration.
	EventTypeAdmin EventType = "admin"
)

// NewEvent creates a new audit event of the given type.
func NewEvent(eventType EventType) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}

// WithSession adds session and user information to the event.
func (e *Event) WithSession(sessionID, username, database string) *Event {
	e.SessionID = sessionID
	e.Username = username
	e.Database = database
	return e
}

// WithStatement adds the statement kind and its sanitized text to the event.
func (e *Event) WithStatement(kind, sql string) *Event {
	e.StatementKind = kind
	e.SQL = SanitizeSQL(sql)
	return e
}

// WithQueryID adds the query correlation id to the event.
func (e *Event) WithQueryID(queryID string) *Event {
	e.QueryID = queryID
	return e
}

// WithResult adds outcome information to the event.
func (e *Event) WithResult(success bool, errorMsg string, durationMS int64) *Event {
	e.Success = success
	e.ErrorMessage = errorMsg
	e.DurationMS = durationMS
	return e
}

// passwordPattern matches password clauses in CREATE USER and ALTER USER
// statements.
var passwordPattern = regexp.MustCompile(`(?i)(password\s*=\s*)'[^']*'`)

// SanitizeSQL redacts credentials from statement text before it is stored.
func SanitizeSQL(sql string) string {
	return passwordPattern.ReplaceAllString(sql, "${1}'[REDACTED]'")
}
