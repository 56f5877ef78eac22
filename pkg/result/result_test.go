package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSet() *ResultSet {
	return &ResultSet{
		Columns: []Column{{Name: "id", Type: TypeBigInt}, {Name: "name", Type: TypeText}},
		Rows: [][]any{
			{int64(1), "a"},
			{int64(2), "b"},
			{int64(3), "c"},
			{int64(4), "d"},
		},
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name   string
		offset int64
		limit  int64
		want   []any
	}{
		{name: "unbounded", offset: -1, limit: -1, want: []any{int64(1), int64(2), int64(3), int64(4)}},
		{name: "offset only", offset: 2, limit: -1, want: []any{int64(3), int64(4)}},
		{name: "limit only", offset: -1, limit: 2, want: []any{int64(1), int64(2)}},
		{name: "offset and limit", offset: 1, limit: 2, want: []any{int64(2), int64(3)}},
		{name: "limit zero", offset: -1, limit: 0, want: nil},
		{name: "offset past end", offset: 10, limit: -1, want: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := sampleSet().Window(tc.offset, tc.limit)
			require.Len(t, got.Rows, len(tc.want))
			for i, want := range tc.want {
				assert.Equal(t, want, got.Rows[i][0])
			}
			assert.Equal(t, sampleSet().Columns, got.Columns, "schema survives windowing")
		})
	}
}

func TestColumnData(t *testing.T) {
	cols := sampleSet().ColumnData()

	require.Len(t, cols, 2)
	assert.Equal(t, []any{int64(1), int64(2), int64(3), int64(4)}, cols[0])
	assert.Equal(t, []any{"a", "b", "c", "d"}, cols[1])
}

func TestColumnDataEmpty(t *testing.T) {
	rs := &ResultSet{Columns: []Column{{Name: "x", Type: TypeBigInt}}}
	cols := rs.ColumnData()
	require.Len(t, cols, 1)
	assert.Empty(t, cols[0])
}

func TestMergeOrdered(t *testing.T) {
	schema := []Column{{Name: "v", Type: TypeBigInt}}
	a := &ResultSet{Columns: schema, Rows: [][]any{{int64(1)}, {int64(2)}}}
	b := &ResultSet{Columns: schema, Rows: [][]any{{int64(3)}}}
	c := &ResultSet{Columns: schema}

	merged, err := MergeOrdered(a, b, c)
	require.NoError(t, err)
	require.Equal(t, 3, merged.RowCount())
	assert.Equal(t, int64(1), merged.Rows[0][0])
	assert.Equal(t, int64(2), merged.Rows[1][0])
	assert.Equal(t, int64(3), merged.Rows[2][0])

	// Part order defines row order; swapping parts swaps rows.
	swapped, err := MergeOrdered(b, a)
	require.NoError(t, err)
	assert.Equal(t, int64(3), swapped.Rows[0][0])
}

func TestMergeOrderedSchemaMismatch(t *testing.T) {
	a := &ResultSet{Columns: []Column{{Name: "v", Type: TypeBigInt}}}
	b := &ResultSet{Columns: []Column{{Name: "v", Type: TypeText}}}

	_, err := MergeOrdered(a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema mismatch")
}

func TestMergeOrderedEmpty(t *testing.T) {
	merged, err := MergeOrdered()
	require.NoError(t, err)
	assert.Zero(t, merged.RowCount())
}

func TestBuildRowWiseAndColumnarAgree(t *testing.T) {
	rs := sampleSet()

	rowWise := Build(rs, false, "n1")
	columnar := Build(rs, true, "n1")

	require.False(t, rowWise.Columnar)
	require.True(t, columnar.Columnar)
	assert.Equal(t, rowWise.RowCount, columnar.RowCount)
	assert.Equal(t, rowWise.Columns, columnar.Columns)
	assert.Nil(t, rowWise.ColumnData)
	assert.Nil(t, columnar.Rows)
	assert.Equal(t, "n1", columnar.Nonce)

	// Same logical values through either layout.
	for r, row := range rowWise.Rows {
		for c := range row {
			assert.Equal(t, row[c], columnar.ColumnData[c][r])
		}
	}
}
