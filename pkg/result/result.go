// Package result models query results: the column schema, row-major and
// columnar layouts, window application and the deterministic merge used by
// distributed dispatch.
package result

import (
	"fmt"
)

// Column type names as they appear in result schemas.
const (
	TypeBigInt = "BIGINT"
	TypeDouble = "DOUBLE"
	TypeText   = "TEXT"
	TypeBool   = "BOOLEAN"
	TypeNull   = "NULL"
)

// Column describes one output column of a result set.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResultSet is the internal row-major result representation. Cell values are
// int64, float64, string, bool or nil.
type ResultSet struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Empty returns a result set with no columns and no rows, the shape of a
// successful statement that produces no result.
func Empty() *ResultSet {
	return &ResultSet{}
}

// RowCount returns the number of materialized rows.
func (rs *ResultSet) RowCount() int {
	return len(rs.Rows)
}

// Window bounds the materialized rows. offset -1 means no offset, limit -1
// means unbounded. An offset past the end yields an empty set with the same
// schema.
func (rs *ResultSet) Window(offset, limit int64) *ResultSet {
	if offset < 0 {
		offset = 0
	}
	rows := rs.Rows
	if offset >= int64(len(rows)) {
		rows = nil
	} else {
		rows = rows[offset:]
	}
	if limit >= 0 && limit < int64(len(rows)) {
		rows = rows[:limit]
	}
	return &ResultSet{Columns: rs.Columns, Rows: rows}
}

// ColumnData returns the column-major view: one slice per column, each
// holding that column's value from every row in order.
func (rs *ResultSet) ColumnData() [][]any {
	cols := make([][]any, len(rs.Columns))
	for i := range cols {
		cols[i] = make([]any, 0, len(rs.Rows))
	}
	for _, row := range rs.Rows {
		for i := range cols {
			cols[i] = append(cols[i], row[i])
		}
	}
	return cols
}

// MergeOrdered concatenates partial results in argument order. The order is
// defined by the caller's plan, never by arrival time, so repeated merges of
// the same parts are byte-for-byte identical. All parts must share one
// schema.
func MergeOrdered(parts ...*ResultSet) (*ResultSet, error) {
	if len(parts) == 0 {
		return Empty(), nil
	}

	merged := &ResultSet{Columns: parts[0].Columns}
	for i, part := range parts {
		if err := sameSchema(parts[0].Columns, part.Columns); err != nil {
			return nil, fmt.Errorf("merging part %d: %w", i, err)
		}
		merged.Rows = append(merged.Rows, part.Rows...)
	}
	return merged, nil
}

func sameSchema(a, b []Column) error {
	if len(a) != len(b) {
		return fmt.Errorf("schema mismatch: %d columns vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			return fmt.Errorf("schema mismatch at column %d: %s %s vs %s %s",
				i, a[i].Name, a[i].Type, b[i].Name, b[i].Type)
		}
	}
	return nil
}

// QueryResult is the boundary result object returned to callers. Exactly one
// of Rows or ColumnData is populated, selected by the caller's columnar
// flag; both carry the same logical values.
type QueryResult struct {
	Columns    []Column `json:"columns"`
	Rows       [][]any  `json:"rows,omitempty"`
	ColumnData [][]any  `json:"column_data,omitempty"`
	Columnar   bool     `json:"columnar"`
	RowCount   int      `json:"row_count"`

	// Nonce echoes the client metadata supplied with the statement.
	Nonce string `json:"nonce,omitempty"`

	ExecutionTimeMS int64 `json:"execution_time_ms"`
	TotalTimeMS     int64 `json:"total_time_ms"`
}

// Build assembles the boundary result from an internal result set.
func Build(rs *ResultSet, columnar bool, nonce string) *QueryResult {
	qr := &QueryResult{
		Columns:  rs.Columns,
		Columnar: columnar,
		RowCount: rs.RowCount(),
		Nonce:    nonce,
	}
	if columnar {
		qr.ColumnData = rs.ColumnData()
	} else {
		qr.Rows = rs.Rows
	}
	return qr
}
