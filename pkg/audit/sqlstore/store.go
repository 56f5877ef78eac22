// Package sqlstore persists audit events in the catalog's metadata database.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/YarShev/omniscidb/pkg/audit"
	catalogsql "github.com/YarShev/omniscidb/pkg/catalog/sqlstore"
)

const (
	defaultRetentionDays = 90
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000
)

// auditColumns lists columns returned by audit SELECT queries.
var auditColumns = []string{
	"id", "timestamp", "event_type", "session_id", "username", "database_name",
	"query_id", "statement_kind", "sql_text", "success", "error_message",
	"duration_ms",
}

// Store implements audit.Logger on the shared metadata database.
type Store struct {
	db            *sql.DB
	builder       sq.StatementBuilderType
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the audit store.
type Config struct {
	RetentionDays int
}

// New creates an audit store on an already migrated metadata database.
// The handle is shared with the catalog store and is not closed here.
func New(db *sql.DB, driver catalogsql.Driver, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	builder := sq.StatementBuilder
	if driver == catalogsql.DriverPostgres {
		builder = builder.PlaceholderFormat(sq.Dollar)
	}
	return &Store{
		db:            db,
		builder:       builder,
		retentionDays: cfg.RetentionDays,
	}
}

// Log records an audit event.
func (s *Store) Log(ctx context.Context, event audit.Event) error {
	query, args, err := s.builder.Insert("audit_events").
		Columns(auditColumns...).
		Values(
			event.ID,
			event.Timestamp,
			string(event.Type),
			event.SessionID,
			event.Username,
			event.Database,
			event.QueryID,
			event.StatementKind,
			event.SQL,
			event.Success,
			event.ErrorMessage,
			event.DurationMS,
		).ToSql()
	if err != nil {
		return fmt.Errorf("building audit insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// applyFilter adds filter conditions to a SELECT builder.
func applyFilter(qb sq.SelectBuilder, filter audit.QueryFilter) sq.SelectBuilder {
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}
	if filter.Type != "" {
		qb = qb.Where(sq.Eq{"event_type": string(filter.Type)})
	}
	if filter.Username != "" {
		qb = qb.Where(sq.Eq{"username": filter.Username})
	}
	if filter.Database != "" {
		qb = qb.Where(sq.Eq{"database_name": filter.Database})
	}
	if filter.Success != nil {
		qb = qb.Where(sq.Eq{"success": *filter.Success})
	}
	return qb
}

// Query retrieves audit events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	qb := applyFilter(s.builder.Select(auditColumns...).From("audit_events"), filter)
	qb = qb.OrderBy("timestamp DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if filter.Limit > 0 && filter.Limit <= maxQueryCapacity {
		allocCap = filter.Limit
	}
	events := make([]audit.Event, 0, allocCap)

	for rows.Next() {
		var event audit.Event
		err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&event.Type,
			&event.SessionID,
			&event.Username,
			&event.Database,
			&event.QueryID,
			&event.StatementKind,
			&event.SQL,
			&event.Success,
			&event.ErrorMessage,
			&event.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}
	return events, nil
}

// Count returns the number of audit events matching the filter.
func (s *Store) Count(ctx context.Context, filter audit.QueryFilter) (int, error) {
	qb := applyFilter(s.builder.Select("COUNT(*)").From("audit_events"), filter)

	query, args, err := qb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting audit events: %w", err)
	}
	return count, nil
}

// Overview returns aggregate statistics for events matching the filter.
func (s *Store) Overview(ctx context.Context, filter audit.QueryFilter) (*audit.Overview, error) {
	qb := applyFilter(s.builder.Select(
		"COUNT(*)",
		"COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0)",
		"COALESCE(AVG(duration_ms), 0)",
		"COUNT(DISTINCT username)",
		"COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0)",
	).From("audit_events"), filter)

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building overview query: %w", err)
	}

	var o audit.Overview
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&o.TotalEvents, &o.SuccessRate, &o.AvgDurationMS, &o.UniqueUsers, &o.ErrorCount)
	if err != nil {
		return nil, fmt.Errorf("scanning overview: %w", err)
	}
	return &o, nil
}

// Cleanup removes audit events older than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	query, args, err := s.builder.Delete("audit_events").
		Where(sq.Lt{"timestamp": cutoff}).ToSql()
	if err != nil {
		return fmt.Errorf("building cleanup: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cleaning up audit events: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically deletes
// events past retention. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close cancels the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
// The shared database handle stays open; the catalog store owns it.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ audit.Logger = (*Store)(nil)
