// Package plan defines the boundary to the planning collaborator: the
// statement classification, the physical plan shape handed to executors and
// the Planner interface the dispatcher consumes.
//
// The engine treats planning as an external concern. A production deployment
// plugs a remote planner; development and tests use the built-in minimal
// planner under plan/basic.
package plan

import (
	"context"

	"github.com/YarShev/omniscidb/pkg/catalog"
	"github.com/YarShev/omniscidb/pkg/result"
)

// StatementKind classifies a statement after planning.
type StatementKind int

const (
	StatementUnknown StatementKind = iota
	StatementSelect
	StatementInsert
	StatementDDL
	StatementShow
)

// String returns the stable name used in audit records and logs.
func (k StatementKind) String() string {
	switch k {
	case StatementSelect:
		return "SELECT"
	case StatementInsert:
		return "INSERT"
	case StatementDDL:
		return "DDL"
	case StatementShow:
		return "SHOW"
	default:
		return "UNKNOWN"
	}
}

// DDLOp names a catalog mutation produced by planning a DDL statement.
type DDLOp int

const (
	DDLCreateDatabase DDLOp = iota + 1
	DDLDropDatabase
	DDLCreateTable
	DDLDropTable
	DDLCreateUser
	DDLDropUser
	DDLGrant
	DDLRevoke
)

// String returns the operation name used in diagnostics.
func (op DDLOp) String() string {
	switch op {
	case DDLCreateDatabase:
		return "CREATE DATABASE"
	case DDLDropDatabase:
		return "DROP DATABASE"
	case DDLCreateTable:
		return "CREATE TABLE"
	case DDLDropTable:
		return "DROP TABLE"
	case DDLCreateUser:
		return "CREATE USER"
	case DDLDropUser:
		return "DROP USER"
	case DDLGrant:
		return "GRANT"
	case DDLRevoke:
		return "REVOKE"
	default:
		return "UNKNOWN"
	}
}

// DDLCommand carries the arguments of a catalog mutation. Only the fields
// relevant to Op are set.
type DDLCommand struct {
	Op DDLOp

	// IfNotExists and IfExists soften create and drop conflicts into
	// successful no-ops.
	IfNotExists bool
	IfExists    bool

	// Database is the target of database and table operations. Empty for
	// table operations means the session's current database.
	Database string
	Table    string
	Columns  []catalog.Column

	// User fields for CREATE USER and DROP USER.
	Username  string
	Password  string
	Superuser bool

	// Grant fields. OnDatabase is the object, Grantee the receiving user.
	Privileges []catalog.Privilege
	OnDatabase string
	Grantee    string
}

// ShowOp names a metadata listing.
type ShowOp int

const (
	ShowDatabases ShowOp = iota + 1
	ShowTables
)

// ShowCommand carries a metadata listing request.
type ShowCommand struct {
	Op ShowOp
}

// Device selects where a step executes.
type Device int

const (
	DeviceCPU Device = iota
	DeviceGPU
)

// String returns the device name used in logs and admission errors.
func (d Device) String() string {
	if d == DeviceGPU {
		return "gpu"
	}
	return "cpu"
}

// StepKind names a physical plan step.
type StepKind int

const (
	StepProject StepKind = iota + 1
	StepScan
	StepAggregate
)

// Step is one physical execution step. Scan and aggregate steps name their
// table; GPUMemoryBytes is the admission reservation the step requires, zero
// when the step runs without device memory.
type Step struct {
	Kind           StepKind
	Device         Device
	Table          string
	GPUMemoryBytes int64
}

// QueryPlan is the physical plan for a data-bearing statement. A plan with
// no scan steps carries its literal output directly in Rows.
type QueryPlan struct {
	Columns []result.Column
	Steps   []Step
	Rows    [][]any
}

// Scans returns the scan steps in plan order.
func (qp *QueryPlan) Scans() []Step {
	var scans []Step
	for _, s := range qp.Steps {
		if s.Kind == StepScan {
			scans = append(scans, s)
		}
	}
	return scans
}

// GPUMemoryBytes sums the device memory reservations of all steps.
func (qp *QueryPlan) GPUMemoryBytes() int64 {
	var total int64
	for _, s := range qp.Steps {
		total += s.GPUMemoryBytes
	}
	return total
}

// Plan is the planning result for one statement. Exactly one of DDL, Show or
// Query is set, matched by Kind.
type Plan struct {
	SQL   string
	Kind  StatementKind
	DDL   *DDLCommand
	Show  *ShowCommand
	Query *QueryPlan
}

// IsMutation reports whether executing the plan changes catalog or data
// state. Read-only deployments reject mutations before dispatch.
func (p *Plan) IsMutation() bool {
	return p.Kind == StatementInsert || p.Kind == StatementDDL
}

// Snapshot is the catalog view handed to the planner with each statement.
// It is immutable for the duration of planning; concurrent DDL becomes
// visible only to later statements.
type Snapshot struct {
	Database       string
	Tables         []*catalog.Table
	LegacySyntax   bool
	AllowLoopJoins bool
}

// Table resolves a table by name within the snapshot.
func (s Snapshot) Table(name string) (*catalog.Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Planner turns SQL text plus a catalog snapshot into a physical plan.
// Planning failures carry the planner's diagnostic text verbatim.
type Planner interface {
	Plan(ctx context.Context, snap Snapshot, sql string) (*Plan, error)
}

// UDFRegistrar is implemented by planners that accept runtime user-defined
// function registration.
type UDFRegistrar interface {
	RegisterRuntimeUDF(ctx context.Context, name, source string) error
}
