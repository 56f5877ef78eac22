package dispatch

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/YarShev/omniscidb/pkg/cluster"
	"github.com/YarShev/omniscidb/pkg/dberr"
	"github.com/YarShev/omniscidb/pkg/plan"
	"github.com/YarShev/omniscidb/pkg/result"
	"github.com/YarShev/omniscidb/pkg/session"
)

// executeDistributed fans the statement out to every data leaf and merges the
// partial results in leaf order, never arrival order. The first hard failure
// cancels the remaining in-flight requests and surfaces alone; no partial
// rows leave this function.
func (d *Dispatcher) executeDistributed(ctx context.Context, ident session.Identity, queryID string, p *plan.Plan) (*result.ResultSet, error) {
	dataLeaves := ident.Leaves.Leaves(cluster.RoleData)
	claims := cluster.NodeClaims{
		User:     ident.User.Username,
		Database: ident.Database,
		QueryID:  queryID,
	}

	parts := make([]leafExecuteResponse, len(dataLeaves))
	g, gctx := errgroup.WithContext(ctx)
	for i, leaf := range dataLeaves {
		i, leaf := i, leaf
		g.Go(func() error {
			req := leafExecuteRequest{
				QueryID:   queryID,
				Database:  ident.Database,
				SQL:       p.SQL,
				LeafIndex: i,
				LeafCount: len(dataLeaves),
			}
			if err := d.leaves.PostJSON(gctx, leaf, leafExecutePath, claims, req, &parts[i]); err != nil {
				return leafDispatchError(gctx, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, errInterrupted
		}
		return nil, err
	}

	partials := make([]*result.ResultSet, len(parts))
	for i := range parts {
		partials[i] = &parts[i].Result
	}
	merged, err := result.MergeOrdered(partials...)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, "merging leaf results", err)
	}
	normalizeNumbers(merged)

	if err := d.resolveDictionaries(ctx, ident, queryID, merged, parts[0].DictColumns); err != nil {
		return nil, err
	}
	return merged, nil
}

// resolveDictionaries substitutes dictionary ids with their strings. Each
// dictionary is looked up once on its owning string leaf with the distinct
// ids of the merged result.
func (d *Dispatcher) resolveDictionaries(ctx context.Context, ident session.Identity, queryID string, rs *result.ResultSet, dictCols []leafDictColumn) error {
	if len(dictCols) == 0 {
		return nil
	}
	stringLeaves := ident.Leaves.Leaves(cluster.RoleString)
	if len(stringLeaves) == 0 {
		return dberr.New(dberr.KindInternal,
			"result carries dictionary columns but the topology has no string leaves")
	}
	claims := cluster.NodeClaims{
		User:     ident.User.Username,
		Database: ident.Database,
		QueryID:  queryID,
	}

	for _, dc := range dictCols {
		if dc.Index < 0 || dc.Index >= len(rs.Columns) {
			return dberr.Newf(dberr.KindInternal,
				"dictionary column index %d out of range for %d columns", dc.Index, len(rs.Columns))
		}

		// Distinct ids in first-appearance order so the lookup payload is
		// deterministic for a given merged result.
		var ids []int64
		seen := make(map[int64]struct{})
		for _, row := range rs.Rows {
			id, ok := cellID(row[dc.Index])
			if !ok {
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}

		leaf := dictionaryLeaf(stringLeaves, dc.Dictionary)
		var resp leafLookupResponse
		req := leafLookupRequest{
			QueryID:    queryID,
			Database:   ident.Database,
			Dictionary: dc.Dictionary,
			IDs:        ids,
		}
		if err := d.leaves.PostJSON(ctx, leaf, leafLookupPath, claims, req, &resp); err != nil {
			return leafDispatchError(ctx, err)
		}
		if len(resp.Values) != len(ids) {
			return dberr.Newf(dberr.KindInternal,
				"dictionary %s lookup returned %d values for %d ids", dc.Dictionary, len(resp.Values), len(ids))
		}

		values := make(map[int64]string, len(ids))
		for i, id := range ids {
			values[id] = resp.Values[i]
		}
		for _, row := range rs.Rows {
			if id, ok := cellID(row[dc.Index]); ok {
				row[dc.Index] = values[id]
			}
		}
	}
	return nil
}

// leafDispatchError classifies a leaf call failure. A leaf's own diagnostic
// is preserved verbatim; cancellation surfaces the interruption diagnostic.
func leafDispatchError(ctx context.Context, err error) error {
	var le *cluster.LeafError
	if errors.As(err, &le) {
		msg := le.Body
		if msg == "" {
			msg = le.Error()
		}
		return dberr.New(dberr.KindQuery, msg)
	}
	if ctx.Err() != nil {
		return errInterrupted
	}
	return dberr.Wrap(dberr.KindQuery, "leaf dispatch failed", err)
}

// normalizeNumbers restores int64 cells in integer-typed columns after JSON
// transport delivered them as float64.
func normalizeNumbers(rs *result.ResultSet) {
	var intCols []int
	for i, col := range rs.Columns {
		if col.Type == result.TypeBigInt {
			intCols = append(intCols, i)
		}
	}
	if len(intCols) == 0 {
		return
	}
	for _, row := range rs.Rows {
		for _, i := range intCols {
			if f, ok := row[i].(float64); ok {
				row[i] = int64(f)
			}
		}
	}
}

// cellID extracts a dictionary id from a transported cell. Null cells carry
// no id and stay null.
func cellID(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
