//go:build integration

package e2e

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YarShev/omniscidb/pkg/audit"
	"github.com/YarShev/omniscidb/pkg/config"
	"github.com/YarShev/omniscidb/test/e2e/helpers"
)

func i64(v int64) *int64 { return &v }

func TestLiteralRoundTrip(t *testing.T) {
	f := helpers.New(t, nil)
	id := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")

	const sql = "SELECT 42 AS answer, 'omnisci' AS name, 2.5 AS ratio"

	t.Run("row wise", func(t *testing.T) {
		res, apiErr := f.ExecuteOpts(id, sql, helpers.ExecuteOptions{Nonce: "round-trip-1"})
		require.Nil(t, apiErr)

		require.Len(t, res.Columns, 3)
		assert.Equal(t, "answer", res.Columns[0].Name)
		assert.Equal(t, "BIGINT", res.Columns[0].Type)
		assert.Equal(t, "name", res.Columns[1].Name)
		assert.Equal(t, "TEXT", res.Columns[1].Type)
		assert.Equal(t, "ratio", res.Columns[2].Name)
		assert.Equal(t, "DOUBLE", res.Columns[2].Type)

		require.Len(t, res.Rows, 1)
		assert.Equal(t, []any{float64(42), "omnisci", 2.5}, res.Rows[0])
		assert.Empty(t, res.ColumnData)
		assert.False(t, res.Columnar)
		assert.Equal(t, 1, res.RowCount)
		assert.Equal(t, "round-trip-1", res.Nonce)
	})

	t.Run("columnar", func(t *testing.T) {
		res, apiErr := f.ExecuteOpts(id, sql, helpers.ExecuteOptions{Columnar: true})
		require.Nil(t, apiErr)

		require.Len(t, res.ColumnData, 3)
		assert.Equal(t, []any{float64(42)}, res.ColumnData[0])
		assert.Equal(t, []any{"omnisci"}, res.ColumnData[1])
		assert.Equal(t, []any{2.5}, res.ColumnData[2])
		assert.Empty(t, res.Rows)
		assert.True(t, res.Columnar)
		assert.Equal(t, 1, res.RowCount)
	})
}

// TestRowWindowing drives first_row_offset and row_limit through a multi-row
// listing. Tables list in name order, so the window contents are stable.
func TestRowWindowing(t *testing.T) {
	f := helpers.New(t, nil)
	id := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")

	for _, name := range []string{"alpha", "bravo", "charlie"} {
		f.MustExecute(id, "CREATE TABLE "+name+" (id BIGINT)")
	}

	names := func(res *helpers.QueryResult) []string {
		out := make([]string, 0, len(res.Rows))
		for _, row := range res.Rows {
			out = append(out, row[0].(string))
		}
		return out
	}

	t.Run("defaults return everything", func(t *testing.T) {
		res := f.MustExecute(id, "SHOW TABLES")
		assert.Equal(t, []string{"alpha", "bravo", "charlie"}, names(res))
		assert.Equal(t, 3, res.RowCount)
	})

	t.Run("offset drops leading rows", func(t *testing.T) {
		res, apiErr := f.ExecuteOpts(id, "SHOW TABLES", helpers.ExecuteOptions{FirstRowOffset: i64(1)})
		require.Nil(t, apiErr)
		assert.Equal(t, []string{"bravo", "charlie"}, names(res))
	})

	t.Run("offset and limit select a window", func(t *testing.T) {
		res, apiErr := f.ExecuteOpts(id, "SHOW TABLES", helpers.ExecuteOptions{
			FirstRowOffset: i64(1),
			RowLimit:       i64(1),
		})
		require.Nil(t, apiErr)
		assert.Equal(t, []string{"bravo"}, names(res))
		assert.Equal(t, 1, res.RowCount)
	})

	t.Run("limit zero returns no rows", func(t *testing.T) {
		res, apiErr := f.ExecuteOpts(id, "SHOW TABLES", helpers.ExecuteOptions{RowLimit: i64(0)})
		require.Nil(t, apiErr)
		assert.Empty(t, names(res))
		assert.Zero(t, res.RowCount)
	})

	t.Run("offset past the end returns no rows", func(t *testing.T) {
		res, apiErr := f.ExecuteOpts(id, "SHOW TABLES", helpers.ExecuteOptions{FirstRowOffset: i64(10)})
		require.Nil(t, apiErr)
		assert.Empty(t, names(res))
	})
}

func TestMalformedSQLLeavesSessionHealthy(t *testing.T) {
	f := helpers.New(t, nil)
	id := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")

	_, apiErr := f.Execute(id, "SELEKT 1 FROM nowhere")
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "query_error", apiErr.Kind)
	assert.NotEmpty(t, apiErr.Message)

	res := f.MustExecute(id, "SELECT 1")
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, 1, f.Status().ActiveSessions)
}

func TestReadOnlyServer(t *testing.T) {
	f := helpers.New(t, func(cfg *config.SystemConfig) {
		cfg.ReadOnly = true
	})
	id := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")

	_, apiErr := f.Execute(id, "CREATE TABLE scratch (id BIGINT)")
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "authorization_error", apiErr.Kind)
	assert.Contains(t, apiErr.Message, "read-only")

	res := f.MustExecute(id, "SELECT 1")
	assert.Equal(t, 1, res.RowCount)
	res = f.MustExecute(id, "SHOW DATABASES")
	assert.NotEmpty(t, res.Rows)

	assert.True(t, f.Status().ReadOnly)
}

// TestAuditTrailPersisted checks the SQL-backed audit log end to end: session
// and statement events land in the store, failures carry their message, and
// credentials never appear in statement text.
func TestAuditTrailPersisted(t *testing.T) {
	f := helpers.New(t, nil)
	ctx := context.Background()

	id := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")
	f.MustExecute(id, "CREATE USER frank (password = 'frank-secret')")
	f.MustExecute(id, "SELECT 1")
	_, apiErr := f.Execute(id, "SELEKT garbage")
	require.NotNil(t, apiErr)
	require.Nil(t, f.Disconnect(id))

	events, err := f.Engine.Audit().Query(ctx, audit.QueryFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	byType := make(map[audit.EventType][]audit.Event)
	for _, ev := range events {
		byType[ev.Type] = append(byType[ev.Type], ev)
	}
	require.NotEmpty(t, byType[audit.EventTypeConnect])
	require.NotEmpty(t, byType[audit.EventTypeDisconnect])
	require.NotEmpty(t, byType[audit.EventTypeStatement])

	connect := byType[audit.EventTypeConnect][0]
	assert.True(t, connect.Success)
	assert.Equal(t, helpers.AdminUser, connect.Username)

	var ddl, failed *audit.Event
	for i := range byType[audit.EventTypeStatement] {
		ev := &byType[audit.EventTypeStatement][i]
		if ev.StatementKind == "DDL" {
			ddl = ev
		}
		if !ev.Success {
			failed = ev
		}
	}
	require.NotNil(t, ddl, "DDL statement should be audited")
	assert.Contains(t, ddl.SQL, "[REDACTED]")
	assert.NotContains(t, ddl.SQL, "frank-secret")

	require.NotNil(t, failed, "failed statement should be audited")
	assert.NotEmpty(t, failed.ErrorMessage)

	failures, err := f.Engine.Audit().Query(ctx, audit.QueryFilter{
		Type:    audit.EventTypeStatement,
		Success: func() *bool { v := false; return &v }(),
	})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, failed.ID, failures[0].ID)
}
