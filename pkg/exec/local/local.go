// Package local is the built-in executor for plans that need no storage
// collaborator: it materializes literal projections and rejects scans. A
// full deployment wires a storage-backed executor in its place.
package local

import (
	"context"
	"log/slog"

	"github.com/YarShev/omniscidb/pkg/dberr"
	"github.com/YarShev/omniscidb/pkg/plan"
	"github.com/YarShev/omniscidb/pkg/result"
)

// Executor executes plans on the calling goroutine.
type Executor struct {
	log *slog.Logger
}

// New builds the local executor.
func New(log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{log: log}
}

// Execute materializes the plan. Plans carrying scan steps require storage
// and fail with a query error; literal plans return their rows directly.
func (e *Executor) Execute(ctx context.Context, qp *plan.QueryPlan) (*result.ResultSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if scans := qp.Scans(); len(scans) > 0 {
		return nil, dberr.Newf(dberr.KindQuery,
			"table %q requires the storage collaborator, which is not configured on this node", scans[0].Table)
	}

	e.log.Debug("executing literal plan", "columns", len(qp.Columns), "rows", len(qp.Rows))
	return &result.ResultSet{Columns: qp.Columns, Rows: qp.Rows}, nil
}

// Close implements exec.Executor. The local executor holds no resources.
func (e *Executor) Close() error {
	return nil
}
