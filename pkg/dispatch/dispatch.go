// Package dispatch orchestrates statement execution: session validation,
// authorization, planning, resource admission and local or leaf execution,
// finishing with the deterministic merge and windowing of results.
//
// The dispatcher owns the statement lifecycle. Collaborators are injected:
// the session manager answers validity, the catalog answers privileges, the
// planner turns text into plans and the executor or leaf topology
// materializes them. Every resource ticket acquired for a statement is
// released on every exit path, including cancellation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/YarShev/omniscidb/pkg/admission"
	"github.com/YarShev/omniscidb/pkg/audit"
	"github.com/YarShev/omniscidb/pkg/catalog"
	"github.com/YarShev/omniscidb/pkg/cluster"
	"github.com/YarShev/omniscidb/pkg/dberr"
	"github.com/YarShev/omniscidb/pkg/exec"
	"github.com/YarShev/omniscidb/pkg/metrics"
	"github.com/YarShev/omniscidb/pkg/plan"
	"github.com/YarShev/omniscidb/pkg/result"
	"github.com/YarShev/omniscidb/pkg/session"
)

// Statement-level rejections.
var (
	errReadOnly    = dberr.New(dberr.KindAuthorization, "server is in read-only mode")
	errInterrupted = dberr.New(dberr.KindQuery, "query execution has been interrupted")
)

// Config wires a Dispatcher. Sessions, Catalog, Planner and Executor are
// required; the rest default to inert implementations.
type Config struct {
	Sessions  *session.Manager
	Catalog   *catalog.Catalog
	Planner   plan.Planner
	Executor  exec.Executor
	Admission *admission.Controller

	// LeafClient reaches the leaf topology. Nil forces local execution
	// even when the session's registry lists leaves.
	LeafClient *cluster.Client

	// Audit defaults to the no-op logger.
	Audit audit.Logger

	// Metrics may be nil; all recording methods tolerate it.
	Metrics *metrics.Metrics

	// ReadOnly rejects every statement that mutates catalog or data state.
	ReadOnly bool

	// LegacySyntax and AllowLoopJoins are carried to the planner with every
	// catalog snapshot.
	LegacySyntax   bool
	AllowLoopJoins bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Dispatcher executes statements for live sessions.
type Dispatcher struct {
	sessions  *session.Manager
	catalog   *catalog.Catalog
	planner   plan.Planner
	executor  exec.Executor
	admission *admission.Controller
	leaves    *cluster.Client
	audit     audit.Logger
	metrics   *metrics.Metrics

	readOnly       bool
	legacySyntax   bool
	allowLoopJoins bool

	log      *slog.Logger
	inflight *inflightRegistry
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	auditLog := cfg.Audit
	if auditLog == nil {
		auditLog = audit.Noop{}
	}
	return &Dispatcher{
		sessions:       cfg.Sessions,
		catalog:        cfg.Catalog,
		planner:        cfg.Planner,
		executor:       cfg.Executor,
		admission:      cfg.Admission,
		leaves:         cfg.LeafClient,
		audit:          auditLog,
		metrics:        cfg.Metrics,
		readOnly:       cfg.ReadOnly,
		legacySyntax:   cfg.LegacySyntax,
		allowLoopJoins: cfg.AllowLoopJoins,
		log:            log,
		inflight:       newInflightRegistry(),
	}
}

// Request is one statement submission bound to a session.
type Request struct {
	SessionID string
	SQL       string

	// Columnar selects the column-major result layout.
	Columnar bool

	// Nonce is client metadata echoed back on the result.
	Nonce string

	// FirstRowOffset and RowLimit window the materialized rows. -1 means
	// no offset and no limit respectively.
	FirstRowOffset int64
	RowLimit       int64
}

// Execute runs one statement and returns its windowed result. The session is
// touched first so an expired session never starts work; authorization runs
// before planning so a user without read access cannot probe schema details
// through planner diagnostics.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*result.QueryResult, error) {
	started := time.Now()

	if err := d.sessions.Touch(req.SessionID); err != nil {
		return nil, err
	}
	ident, err := d.sessions.Resolve(req.SessionID)
	if err != nil {
		return nil, err
	}

	if err := d.authorize(ctx, ident, req.SQL); err != nil {
		d.finish(ctx, ident, req.SQL, plan.StatementUnknown, "", started, err)
		return nil, err
	}

	// Registered before any further work so a disconnect or explicit
	// interrupt arriving mid-plan still cancels this statement.
	queryID := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.inflight.add(ident.SessionID, queryID, cancel)
	defer d.inflight.remove(ident.SessionID, queryID)

	snap, err := d.snapshot(ctx, ident.Database)
	if err != nil {
		d.finish(ctx, ident, req.SQL, plan.StatementUnknown, queryID, started, err)
		return nil, err
	}

	p, err := d.planner.Plan(ctx, snap, req.SQL)
	if err != nil {
		err = queryError(ctx, err)
		d.finish(ctx, ident, req.SQL, plan.StatementUnknown, queryID, started, err)
		return nil, err
	}

	execStarted := time.Now()
	rs, err := d.run(ctx, ident, queryID, p)
	if err != nil {
		d.finish(ctx, ident, req.SQL, p.Kind, queryID, started, err)
		return nil, err
	}

	qr := result.Build(rs.Window(req.FirstRowOffset, req.RowLimit), req.Columnar, req.Nonce)
	qr.ExecutionTimeMS = time.Since(execStarted).Milliseconds()
	qr.TotalTimeMS = time.Since(started).Milliseconds()

	d.finish(ctx, ident, req.SQL, p.Kind, queryID, started, nil)
	return qr, nil
}

// Interrupt cancels every statement currently executing on the session and
// returns how many were signalled. The statements observe the cancellation
// through their own contexts and unwind releasing their tickets.
func (d *Dispatcher) Interrupt(sessionID string) int {
	n := d.inflight.cancelSession(sessionID)
	if n > 0 {
		d.metrics.RecordInterrupt()
		d.log.Info("interrupted in-flight statements",
			"session", shortSession(sessionID), "count", n)
	}
	return n
}

// Inflight returns the number of statements currently executing across all
// sessions.
func (d *Dispatcher) Inflight() int {
	return d.inflight.count()
}

// authorize applies the statement-level gates before planning. Read-only
// deployments reject mutations by head keyword; data statements require the
// matching privilege on the session's database. Object-level checks for DDL
// run again inside the catalog after planning.
func (d *Dispatcher) authorize(ctx context.Context, ident session.Identity, sql string) error {
	switch statementHead(sql) {
	case "SELECT", "WITH":
		return d.requirePrivilege(ctx, ident, catalog.PrivSelect)
	case "INSERT":
		if d.readOnly {
			return errReadOnly
		}
		return d.requirePrivilege(ctx, ident, catalog.PrivInsert)
	case "UPDATE", "DELETE", "TRUNCATE", "CREATE", "DROP", "ALTER", "GRANT", "REVOKE":
		if d.readOnly {
			return errReadOnly
		}
		return nil
	default:
		// SHOW and anything unrecognized; the planner rejects what it
		// does not know with its own diagnostic.
		return nil
	}
}

// requirePrivilege rejects the statement unless the user holds priv on the
// session's database.
func (d *Dispatcher) requirePrivilege(ctx context.Context, ident session.Identity, priv catalog.Privilege) error {
	ok, err := d.catalog.HasPrivilege(ctx, &ident.User, ident.Database, priv)
	if err != nil {
		return dberr.Wrap(dberr.KindInternal, "checking privileges", err)
	}
	if !ok {
		return dberr.Newf(dberr.KindAuthorization,
			"user %q does not have the %s privilege on database %q",
			ident.User.Username, priv, ident.Database)
	}
	return nil
}

// snapshot loads the immutable catalog view handed to the planner. Concurrent
// DDL becomes visible only to later statements.
func (d *Dispatcher) snapshot(ctx context.Context, database string) (plan.Snapshot, error) {
	tables, err := d.catalog.ListTables(ctx, database)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return plan.Snapshot{}, dberr.Newf(dberr.KindQuery, "database %q does not exist", database)
		}
		return plan.Snapshot{}, dberr.Wrap(dberr.KindInternal, "loading catalog snapshot", err)
	}
	return plan.Snapshot{
		Database:       database,
		Tables:         tables,
		LegacySyntax:   d.legacySyntax,
		AllowLoopJoins: d.allowLoopJoins,
	}, nil
}

// run routes the planned statement to its execution path.
func (d *Dispatcher) run(ctx context.Context, ident session.Identity, queryID string, p *plan.Plan) (*result.ResultSet, error) {
	switch p.Kind {
	case plan.StatementDDL:
		return d.executeDDL(ctx, ident, p.DDL)
	case plan.StatementShow:
		return d.executeShow(ctx, ident, p.Show)
	case plan.StatementSelect, plan.StatementInsert:
		return d.executeQuery(ctx, ident, queryID, p)
	default:
		return nil, dberr.Newf(dberr.KindInternal, "planner returned unhandled statement kind %d", p.Kind)
	}
}

// executeDDL applies a catalog mutation. Successful DDL produces an empty
// result set. IF NOT EXISTS and IF EXISTS soften the matching conflicts into
// no-ops; the catalog re-checks the requester's rights on every mutation.
func (d *Dispatcher) executeDDL(ctx context.Context, ident session.Identity, cmd *plan.DDLCommand) (*result.ResultSet, error) {
	if d.readOnly {
		return nil, errReadOnly
	}

	database := cmd.Database
	if database == "" {
		database = ident.Database
	}

	var err error
	switch cmd.Op {
	case plan.DDLCreateDatabase:
		err = d.catalog.CreateDatabase(ctx, &ident.User, cmd.Database)
		if cmd.IfNotExists && errors.Is(err, catalog.ErrAlreadyExists) {
			err = nil
		}
	case plan.DDLDropDatabase:
		if n := d.sessions.CountByDatabase(cmd.Database); n > 0 {
			return nil, dberr.Wrap(dberr.KindQuery,
				fmt.Sprintf("database %q is in use by %d active session(s)", cmd.Database, n),
				catalog.ErrDatabaseInUse)
		}
		err = d.catalog.DropDatabase(ctx, &ident.User, cmd.Database)
		if cmd.IfExists && errors.Is(err, catalog.ErrNotFound) {
			err = nil
		}
	case plan.DDLCreateTable:
		err = d.catalog.CreateTable(ctx, &ident.User, database, cmd.Table, cmd.Columns)
		if cmd.IfNotExists && errors.Is(err, catalog.ErrAlreadyExists) {
			err = nil
		}
	case plan.DDLDropTable:
		err = d.catalog.DropTable(ctx, &ident.User, database, cmd.Table)
		if cmd.IfExists && errors.Is(err, catalog.ErrNotFound) {
			err = nil
		}
	case plan.DDLCreateUser:
		err = d.catalog.CreateUser(ctx, &ident.User, cmd.Username, cmd.Password, cmd.Superuser)
	case plan.DDLDropUser:
		err = d.catalog.DropUser(ctx, &ident.User, cmd.Username)
	case plan.DDLGrant:
		err = d.catalog.Grant(ctx, &ident.User, cmd.Grantee, cmd.OnDatabase, cmd.Privileges)
	case plan.DDLRevoke:
		err = d.catalog.Revoke(ctx, &ident.User, cmd.Grantee, cmd.OnDatabase, cmd.Privileges)
	default:
		return nil, dberr.Newf(dberr.KindInternal, "planner returned unhandled ddl operation %d", cmd.Op)
	}
	if err != nil {
		return nil, ddlError(cmd, err)
	}

	d.log.Info("applied ddl",
		"op", cmd.Op.String(), "user", ident.User.Username, "database", database)
	return result.Empty(), nil
}

// executeShow answers a metadata listing. Listings respect privileges:
// non-superusers only see databases they hold the access privilege on.
func (d *Dispatcher) executeShow(ctx context.Context, ident session.Identity, cmd *plan.ShowCommand) (*result.ResultSet, error) {
	switch cmd.Op {
	case plan.ShowDatabases:
		return d.showDatabases(ctx, ident)
	case plan.ShowTables:
		return d.showTables(ctx, ident)
	default:
		return nil, dberr.Newf(dberr.KindInternal, "planner returned unhandled show operation %d", cmd.Op)
	}
}

func (d *Dispatcher) showDatabases(ctx context.Context, ident session.Identity) (*result.ResultSet, error) {
	dbs, err := d.catalog.ListDatabases(ctx)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, "listing databases", err)
	}

	rs := &result.ResultSet{Columns: []result.Column{
		{Name: "Database", Type: result.TypeText},
		{Name: "Owner", Type: result.TypeText},
	}}
	for _, db := range dbs {
		if !ident.User.IsSuper {
			ok, err := d.catalog.HasPrivilege(ctx, &ident.User, db.Name, catalog.PrivAccess)
			if err != nil {
				return nil, dberr.Wrap(dberr.KindInternal, "checking database access", err)
			}
			if !ok {
				continue
			}
		}
		rs.Rows = append(rs.Rows, []any{db.Name, db.Owner})
	}
	return rs, nil
}

func (d *Dispatcher) showTables(ctx context.Context, ident session.Identity) (*result.ResultSet, error) {
	tables, err := d.catalog.ListTables(ctx, ident.Database)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, "listing tables", err)
	}

	rs := &result.ResultSet{Columns: []result.Column{
		{Name: "table_name", Type: result.TypeText},
	}}
	for _, t := range tables {
		rs.Rows = append(rs.Rows, []any{t.Name})
	}
	return rs, nil
}

// executeQuery runs a data-bearing plan. Tickets for the plan's device memory
// and scan work are acquired up front and released when the statement leaves
// this function on any path.
func (d *Dispatcher) executeQuery(ctx context.Context, ident session.Identity, queryID string, p *plan.Plan) (*result.ResultSet, error) {
	// Second gate behind the pre-plan check; external planners can
	// classify statements the head keyword missed.
	if p.Kind == plan.StatementInsert {
		if d.readOnly {
			return nil, errReadOnly
		}
		if err := d.requirePrivilege(ctx, ident, catalog.PrivInsert); err != nil {
			return nil, err
		}
	} else if err := d.requirePrivilege(ctx, ident, catalog.PrivSelect); err != nil {
		return nil, err
	}

	if d.admission != nil {
		if gpuBytes := p.Query.GPUMemoryBytes(); gpuBytes > 0 {
			ticket, err := d.admission.Acquire(admission.GPUMemory, gpuBytes)
			if err != nil {
				return nil, d.admissionDenied(admission.GPUMemory, err)
			}
			defer d.releaseTicket(ticket)
		}
		if len(p.Query.Scans()) > 0 {
			ticket, err := d.admission.Acquire(admission.ReaderThread, 1)
			if err != nil {
				return nil, d.admissionDenied(admission.ReaderThread, err)
			}
			defer d.releaseTicket(ticket)
		}
		d.observeAdmission()
	}

	if d.distributed(ident, p) {
		return d.executeDistributed(ctx, ident, queryID, p)
	}

	rs, err := d.executor.Execute(ctx, p.Query)
	if err != nil {
		return nil, queryError(ctx, err)
	}
	return rs, nil
}

// distributed reports whether the plan fans out to data leaves. Plans without
// scan steps carry their output themselves and run locally even in a
// distributed topology.
func (d *Dispatcher) distributed(ident session.Identity, p *plan.Plan) bool {
	if d.leaves == nil || ident.Leaves == nil || ident.Leaves.DataLeafCount() == 0 {
		return false
	}
	return len(p.Query.Scans()) > 0
}

// admissionDenied records the denial and returns the controller's error.
func (d *Dispatcher) admissionDenied(kind admission.Kind, err error) error {
	d.metrics.RecordAdmissionDenied(kind.String())
	return err
}

// releaseTicket returns a grant. A release failure is an internal fault; it
// is logged rather than masking the statement's own outcome.
func (d *Dispatcher) releaseTicket(t *admission.Ticket) {
	if err := t.Release(); err != nil {
		d.log.Error("resource ticket release failed", "ticket", t.ID(), "error", err)
	}
	d.observeAdmission()
}

// observeAdmission publishes the controller counters as gauges.
func (d *Dispatcher) observeAdmission() {
	if d.metrics == nil || d.admission == nil {
		return
	}
	stats := d.admission.Stats()
	d.metrics.SetAdmissionInUse(admission.RenderSession.String(), float64(stats.RenderSessions))
	d.metrics.SetAdmissionInUse(admission.RenderMemory.String(), float64(stats.RenderMemoryInUse))
	d.metrics.SetAdmissionInUse(admission.GPUMemory.String(), float64(stats.GPUMemoryInUse))
	d.metrics.SetAdmissionInUse(admission.ReaderThread.String(), float64(stats.ReaderThreadsInUse))
}

// finish records the statement outcome in metrics, the audit log and the
// server log. The audit write survives statement cancellation.
func (d *Dispatcher) finish(ctx context.Context, ident session.Identity, sql string, kind plan.StatementKind, queryID string, started time.Time, execErr error) {
	elapsed := time.Since(started)
	d.metrics.RecordQuery(kind.String(), execErr == nil, elapsed.Seconds())

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}
	event := audit.NewEvent(audit.EventTypeStatement).
		WithSession(shortSession(ident.SessionID), ident.User.Username, ident.Database).
		WithStatement(kind.String(), sql).
		WithQueryID(queryID).
		WithResult(execErr == nil, errMsg, elapsed.Milliseconds())
	if err := d.audit.Log(context.WithoutCancel(ctx), *event); err != nil {
		d.log.Error("audit write failed", "error", err)
	}

	if execErr != nil {
		d.log.Warn("statement failed",
			"session", shortSession(ident.SessionID),
			"user", ident.User.Username,
			"kind", kind.String(),
			"duration_ms", elapsed.Milliseconds(),
			"error", execErr)
		return
	}
	d.log.Debug("statement completed",
		"session", shortSession(ident.SessionID),
		"user", ident.User.Username,
		"kind", kind.String(),
		"duration_ms", elapsed.Milliseconds())
}

// ddlError classifies a catalog mutation failure with the object it names.
func ddlError(cmd *plan.DDLCommand, err error) error {
	switch {
	case errors.Is(err, catalog.ErrPermissionDenied):
		return dberr.Wrap(dberr.KindAuthorization,
			fmt.Sprintf("%s requires privileges the user does not hold", cmd.Op), err)
	case errors.Is(err, catalog.ErrAlreadyExists):
		return dberr.Wrap(dberr.KindQuery,
			fmt.Sprintf("%s: %s already exists", cmd.Op, ddlObject(cmd)), err)
	case errors.Is(err, catalog.ErrNotFound):
		return dberr.Wrap(dberr.KindQuery,
			fmt.Sprintf("%s: %s does not exist", cmd.Op, ddlObject(cmd)), err)
	case dberr.KindOf(err) != dberr.KindUnknown:
		return err
	default:
		return dberr.Wrap(dberr.KindQuery, cmd.Op.String(), err)
	}
}

// ddlObject names the object a DDL command operates on, for diagnostics.
func ddlObject(cmd *plan.DDLCommand) string {
	switch cmd.Op {
	case plan.DDLCreateDatabase, plan.DDLDropDatabase:
		return fmt.Sprintf("database %q", cmd.Database)
	case plan.DDLCreateTable, plan.DDLDropTable:
		return fmt.Sprintf("table %q", cmd.Table)
	case plan.DDLCreateUser, plan.DDLDropUser:
		return fmt.Sprintf("user %q", cmd.Username)
	default:
		return fmt.Sprintf("user or database named by %s", cmd.Op)
	}
}

// queryError classifies a planning or execution failure. Already-classified
// errors pass through; cancellation surfaces the interruption diagnostic;
// anything else carries the collaborator's text verbatim.
func queryError(ctx context.Context, err error) error {
	if dberr.KindOf(err) != dberr.KindUnknown {
		return err
	}
	if ctx.Err() != nil {
		return errInterrupted
	}
	return dberr.New(dberr.KindQuery, err.Error())
}

// statementHead returns the first keyword of the statement uppercased.
func statementHead(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// shortSession abbreviates a session identifier for logs and audit records.
// Full identifiers are bearer credentials and never leave the session layer.
func shortSession(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
