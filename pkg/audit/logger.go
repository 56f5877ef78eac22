// Package audit records session and statement activity.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents an auditable event.
type Event struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Type          EventType `json:"type"`
	SessionID     string    `json:"session_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	Database      string    `json:"database,omitempty"`
	QueryID       string    `json:"query_id,omitempty"`
	StatementKind string    `json:"statement_kind,omitempty"`
	SQL           string    `json:"sql,omitempty"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Type      EventType
	Username  string
	Database  string
	Success   *bool
	Limit     int
	Offset    int
}

// Overview holds aggregate statistics for the audit log.
type Overview struct {
	TotalEvents   int     `json:"total_events"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	UniqueUsers   int     `json:"unique_users"`
	ErrorCount    int     `json:"error_count"`
}

// Noop is a Logger that discards all events. It stands in when auditing
// is disabled so callers never branch on a nil logger.
type Noop struct{}

// Log discards the event.
func (Noop) Log(context.Context, Event) error { return nil }

// Query returns no events.
func (Noop) Query(context.Context, QueryFilter) ([]Event, error) { return nil, nil }

// Close is a no-op.
func (Noop) Close() error { return nil }

// Verify interface compliance.
var _ Logger = Noop{}
