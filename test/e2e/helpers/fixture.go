//go:build integration

// Package helpers boots engine fixtures and drives the HTTP binding for the
// end-to-end scenarios.
package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/YarShev/omniscidb/internal/server"
	"github.com/YarShev/omniscidb/pkg/catalog"
	"github.com/YarShev/omniscidb/pkg/config"
	"github.com/YarShev/omniscidb/pkg/engine"
)

// Superuser credentials seeded on first boot.
const (
	AdminUser     = catalog.DefaultSuperuser
	AdminPassword = catalog.DefaultPassword
)

// Fixture is one booted engine plus its HTTP binding. The catalog lives in a
// per-test sqlite file so reconnect scenarios exercise real persistence.
type Fixture struct {
	T      *testing.T
	Engine *engine.Engine
	HTTP   *httptest.Server
}

// Config returns the e2e base configuration: sqlite catalog in a temp dir,
// audit enabled, no background sweep.
func Config(t *testing.T) *config.SystemConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Data = t.TempDir()
	cfg.Audit.Enabled = true
	cfg.Sessions.SweepSeconds = 0
	return cfg
}

// New boots a fixture. mutate may adjust the configuration before the engine
// is built; extra engine options follow.
func New(t *testing.T, mutate func(*config.SystemConfig), opts ...engine.Option) *Fixture {
	t.Helper()

	cfg := Config(t)
	if mutate != nil {
		mutate(cfg)
	}

	all := append([]engine.Option{
		engine.WithConfig(cfg),
		engine.WithVersion("e2e"),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	e, err := engine.New(all...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	srv := httptest.NewServer(server.New(e, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = e.Stop(context.Background())
	})

	return &Fixture{T: t, Engine: e, HTTP: srv}
}

// APIError is the decoded error envelope plus its HTTP status.
type APIError struct {
	Status  int
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
}

// Column mirrors one result schema column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryResult mirrors the execute response payload. JSON decoding turns all
// numbers into float64.
type QueryResult struct {
	Columns    []Column `json:"columns"`
	Rows       [][]any  `json:"rows"`
	ColumnData [][]any  `json:"column_data"`
	Columnar   bool     `json:"columnar"`
	RowCount   int      `json:"row_count"`
	Nonce      string   `json:"nonce"`
}

// StatusInfo mirrors the status response payload.
type StatusInfo struct {
	Version            string `json:"version"`
	State              string `json:"state"`
	ReadOnly           bool   `json:"read_only"`
	Distributed        bool   `json:"distributed"`
	StringLeaves       int    `json:"string_leaves"`
	DataLeaves         int    `json:"data_leaves"`
	ActiveSessions     int    `json:"active_sessions"`
	InflightStatements int    `json:"inflight_statements"`
}

// ExecuteOptions adjusts one statement submission.
type ExecuteOptions struct {
	Columnar       bool
	Nonce          string
	FirstRowOffset *int64
	RowLimit       *int64
}

// post sends body to path and decodes a 2xx response into out. Non-2xx
// responses come back as an APIError.
func (f *Fixture) post(path string, body, out any) *APIError {
	buf, err := json.Marshal(body)
	require.NoError(f.T, err)
	resp, err := http.Post(f.HTTP.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(f.T, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(f.T, err)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(raw) > 0 {
			require.NoError(f.T, json.Unmarshal(raw, out))
		}
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	_ = json.Unmarshal(raw, apiErr)
	return apiErr
}

// Connect opens a session. An empty database resolves to the default one.
func (f *Fixture) Connect(user, password, database string) (string, *APIError) {
	var resp struct {
		Session string `json:"session"`
	}
	if apiErr := f.post("/v1/connect", map[string]string{
		"user":     user,
		"password": password,
		"database": database,
	}, &resp); apiErr != nil {
		return "", apiErr
	}
	return resp.Session, nil
}

// MustConnect opens a session and fails the test on rejection.
func (f *Fixture) MustConnect(user, password, database string) string {
	f.T.Helper()
	id, apiErr := f.Connect(user, password, database)
	require.Nil(f.T, apiErr)
	require.NotEmpty(f.T, id)
	return id
}

// Execute runs one statement with default options.
func (f *Fixture) Execute(session, sql string) (*QueryResult, *APIError) {
	return f.ExecuteOpts(session, sql, ExecuteOptions{})
}

// ExecuteOpts runs one statement.
func (f *Fixture) ExecuteOpts(session, sql string, opts ExecuteOptions) (*QueryResult, *APIError) {
	req := map[string]any{
		"session":  session,
		"sql":      sql,
		"columnar": opts.Columnar,
	}
	if opts.Nonce != "" {
		req["nonce"] = opts.Nonce
	}
	if opts.FirstRowOffset != nil {
		req["first_row_offset"] = *opts.FirstRowOffset
	}
	if opts.RowLimit != nil {
		req["row_limit"] = *opts.RowLimit
	}

	var out QueryResult
	if apiErr := f.post("/v1/execute", req, &out); apiErr != nil {
		return nil, apiErr
	}
	return &out, nil
}

// MustExecute runs one statement and fails the test on any error.
func (f *Fixture) MustExecute(session, sql string) *QueryResult {
	f.T.Helper()
	res, apiErr := f.Execute(session, sql)
	require.Nil(f.T, apiErr)
	return res
}

// Disconnect closes the session.
func (f *Fixture) Disconnect(session string) *APIError {
	return f.post("/v1/disconnect", map[string]string{"session": session}, nil)
}

// Interrupt cancels the session's running statements.
func (f *Fixture) Interrupt(session string) (int, *APIError) {
	var resp struct {
		Interrupted int `json:"interrupted"`
	}
	if apiErr := f.post("/v1/interrupt", map[string]string{"session": session}, &resp); apiErr != nil {
		return 0, apiErr
	}
	return resp.Interrupted, nil
}

// Status fetches the status endpoint.
func (f *Fixture) Status() StatusInfo {
	f.T.Helper()
	resp, err := http.Get(f.HTTP.URL + "/v1/status")
	require.NoError(f.T, err)
	defer resp.Body.Close()
	require.Equal(f.T, http.StatusOK, resp.StatusCode)
	var st StatusInfo
	require.NoError(f.T, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

// WaitReady polls the readiness probe until it reports ready.
func (f *Fixture) WaitReady(timeout time.Duration) {
	f.T.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(f.HTTP.URL + "/readyz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	f.T.Fatal("fixture did not become ready")
}
