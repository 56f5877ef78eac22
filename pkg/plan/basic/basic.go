// Package basic is the built-in minimal planner: a development and test
// stand-in for the external planning service.
//
// It classifies DDL and SHOW statements with pattern matching, parses SELECT
// statements with a SQL parser and plans literal projections and bare table
// scans. Everything beyond that is rejected with a diagnostic naming the
// unsupported construct; production deployments plug a remote planner
// implementing plan.Planner.
package basic

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/xwb1989/sqlparser"

	"github.com/YarShev/omniscidb/pkg/catalog"
	"github.com/YarShev/omniscidb/pkg/dberr"
	"github.com/YarShev/omniscidb/pkg/plan"
	"github.com/YarShev/omniscidb/pkg/result"
)

// Planner is the embedded planner. It also accepts runtime UDF registration
// so deployments without the external service can exercise that path.
type Planner struct {
	mu   sync.Mutex
	udfs map[string]string
}

// New builds the embedded planner.
func New() *Planner {
	return &Planner{udfs: make(map[string]string)}
}

// Plan classifies and plans one statement against the catalog snapshot.
// Diagnostics are returned as query errors with the parser's text preserved.
func (p *Planner) Plan(ctx context.Context, snap plan.Snapshot, sql string) (*plan.Plan, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, dberr.New(dberr.KindQuery, "empty statement")
	}

	if pl, ok := classifyDDL(sql); ok {
		return pl, nil
	}
	if pl, ok := classifyShow(sql); ok {
		return pl, nil
	}

	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, dberr.New(dberr.KindQuery, err.Error())
	}

	switch s := stmt.(type) {
	case *sqlparser.Select:
		return p.planSelect(snap, sql, s)
	case *sqlparser.Insert:
		return nil, unsupported("INSERT")
	case *sqlparser.Union:
		return nil, unsupported("UNION")
	case *sqlparser.Update:
		return nil, unsupported("UPDATE")
	case *sqlparser.Delete:
		return nil, unsupported("DELETE")
	default:
		return nil, unsupported(fmt.Sprintf("statement %q", strings.Fields(sql)[0]))
	}
}

// RegisterRuntimeUDF records a runtime user-defined function. The embedded
// planner only validates and remembers it; execution belongs to the external
// service.
func (p *Planner) RegisterRuntimeUDF(ctx context.Context, name, source string) error {
	if name == "" {
		return dberr.New(dberr.KindQuery, "UDF name must not be empty")
	}
	if source == "" {
		return dberr.Newf(dberr.KindQuery, "UDF %q has no source", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.udfs[name] = source
	return nil
}

// UDFs returns the names of the registered runtime functions.
func (p *Planner) UDFs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.udfs))
	for name := range p.udfs {
		names = append(names, name)
	}
	return names
}

func (p *Planner) planSelect(snap plan.Snapshot, sql string, sel *sqlparser.Select) (*plan.Plan, error) {
	switch {
	case sel.Where != nil:
		return nil, unsupported("WHERE")
	case len(sel.GroupBy) > 0:
		return nil, unsupported("GROUP BY")
	case sel.Having != nil:
		return nil, unsupported("HAVING")
	case len(sel.OrderBy) > 0:
		return nil, unsupported("ORDER BY")
	case sel.Limit != nil:
		return nil, unsupported("LIMIT; use the row limit parameter instead")
	case sel.Distinct != "":
		return nil, unsupported("DISTINCT")
	case len(sel.From) != 1:
		return nil, unsupported("multi-table FROM")
	}

	aliased, ok := sel.From[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, unsupported("JOIN")
	}
	table, ok := aliased.Expr.(sqlparser.TableName)
	if !ok {
		return nil, unsupported("subquery in FROM")
	}
	if !table.Qualifier.IsEmpty() {
		return nil, unsupported("qualified table names")
	}

	// A SELECT without FROM parses as a scan of the pseudo table "dual";
	// those are literal projections.
	if table.Name.String() == "dual" {
		return planLiterals(sql, sel.SelectExprs)
	}
	return planScan(snap, sql, table.Name.String(), sel.SelectExprs)
}

// planLiterals evaluates a projection of constants into a single-row plan.
func planLiterals(sql string, exprs sqlparser.SelectExprs) (*plan.Plan, error) {
	columns := make([]result.Column, 0, len(exprs))
	row := make([]any, 0, len(exprs))

	for i, se := range exprs {
		aliased, ok := se.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, unsupported("* without a table")
		}
		value, typ, err := evalLiteral(aliased.Expr)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("EXPR$%d", i)
		if !aliased.As.IsEmpty() {
			name = aliased.As.String()
		}
		columns = append(columns, result.Column{Name: name, Type: typ})
		row = append(row, value)
	}

	return &plan.Plan{
		SQL:  sql,
		Kind: plan.StatementSelect,
		Query: &plan.QueryPlan{
			Columns: columns,
			Steps:   []plan.Step{{Kind: plan.StepProject, Device: plan.DeviceCPU}},
			Rows:    [][]any{row},
		},
	}, nil
}

// evalLiteral reduces a constant expression to a value and its result type.
func evalLiteral(expr sqlparser.Expr) (any, string, error) {
	switch e := expr.(type) {
	case *sqlparser.SQLVal:
		switch e.Type {
		case sqlparser.IntVal:
			v, err := strconv.ParseInt(string(e.Val), 10, 64)
			if err != nil {
				return nil, "", dberr.Newf(dberr.KindQuery, "integer literal %s out of range", e.Val)
			}
			return v, result.TypeBigInt, nil
		case sqlparser.FloatVal:
			v, err := strconv.ParseFloat(string(e.Val), 64)
			if err != nil {
				return nil, "", dberr.Newf(dberr.KindQuery, "invalid numeric literal %s", e.Val)
			}
			return v, result.TypeDouble, nil
		case sqlparser.StrVal:
			return string(e.Val), result.TypeText, nil
		}
	case sqlparser.BoolVal:
		return bool(e), result.TypeBool, nil
	case *sqlparser.NullVal:
		return nil, result.TypeNull, nil
	case *sqlparser.UnaryExpr:
		if e.Operator == sqlparser.UMinusStr {
			value, typ, err := evalLiteral(e.Expr)
			if err != nil {
				return nil, "", err
			}
			switch v := value.(type) {
			case int64:
				return -v, typ, nil
			case float64:
				return -v, typ, nil
			}
		}
	}
	return nil, "", unsupported(fmt.Sprintf("expression %s", sqlparser.String(expr)))
}

// planScan resolves a bare table scan against the snapshot.
func planScan(snap plan.Snapshot, sql, tableName string, exprs sqlparser.SelectExprs) (*plan.Plan, error) {
	table, ok := snap.Table(tableName)
	if !ok {
		return nil, dberr.Newf(dberr.KindQuery, "table %q does not exist in database %q", tableName, snap.Database)
	}

	var columns []result.Column
	for _, se := range exprs {
		switch e := se.(type) {
		case *sqlparser.StarExpr:
			for _, col := range table.Columns {
				columns = append(columns, result.Column{Name: col.Name, Type: resultType(col.Type)})
			}
		case *sqlparser.AliasedExpr:
			col, ok := e.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, unsupported(fmt.Sprintf("expression %s over a table", sqlparser.String(e.Expr)))
			}
			meta, ok := tableColumn(table, col.Name.String())
			if !ok {
				return nil, dberr.Newf(dberr.KindQuery, "column %q does not exist in table %q", col.Name.String(), tableName)
			}
			name := meta.Name
			if !e.As.IsEmpty() {
				name = e.As.String()
			}
			columns = append(columns, result.Column{Name: name, Type: resultType(meta.Type)})
		default:
			return nil, unsupported("select expression")
		}
	}

	return &plan.Plan{
		SQL:  sql,
		Kind: plan.StatementSelect,
		Query: &plan.QueryPlan{
			Columns: columns,
			Steps:   []plan.Step{{Kind: plan.StepScan, Device: plan.DeviceCPU, Table: tableName}},
		},
	}, nil
}

func tableColumn(table *catalog.Table, name string) (catalog.Column, bool) {
	for _, col := range table.Columns {
		if strings.EqualFold(col.Name, name) {
			return col, true
		}
	}
	return catalog.Column{}, false
}

// resultType maps a declared column type to its result schema type. Catalog
// types are opaque strings that may carry encodings, so only the leading
// keyword matters.
func resultType(declared string) string {
	head, _, _ := strings.Cut(strings.TrimSpace(strings.ToUpper(declared)), " ")
	head, _, _ = strings.Cut(head, "(")
	switch head {
	case "SMALLINT", "INT", "INTEGER", "BIGINT", "TINYINT", "DATE", "TIME", "TIMESTAMP":
		return result.TypeBigInt
	case "FLOAT", "DOUBLE", "DECIMAL", "NUMERIC":
		return result.TypeDouble
	case "BOOLEAN", "BOOL":
		return result.TypeBool
	default:
		return result.TypeText
	}
}

func unsupported(what string) error {
	return dberr.Newf(dberr.KindQuery,
		"%s is not supported by the embedded planner; configure the external planning service", what)
}
