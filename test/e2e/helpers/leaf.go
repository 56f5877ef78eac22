//go:build integration

package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/YarShev/omniscidb/pkg/cluster"
	"github.com/YarShev/omniscidb/pkg/plan"
	"github.com/YarShev/omniscidb/pkg/result"
)

// LeafExecuteRequest mirrors the aggregator's leaf execute payload.
type LeafExecuteRequest struct {
	QueryID   string `json:"query_id"`
	Database  string `json:"database"`
	SQL       string `json:"sql"`
	LeafIndex int    `json:"leaf_index"`
	LeafCount int    `json:"leaf_count"`
}

// LeafExecuteResponse mirrors one leaf's partial result.
type LeafExecuteResponse struct {
	Result result.ResultSet `json:"result"`
}

// LeafRecorder captures what a fake leaf observed.
type LeafRecorder struct {
	mu       sync.Mutex
	requests []LeafExecuteRequest
	claims   []cluster.NodeClaims
}

// Requests returns the execute requests in arrival order.
func (r *LeafRecorder) Requests() []LeafExecuteRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LeafExecuteRequest(nil), r.requests...)
}

// Claims returns the verified node token claims in arrival order.
func (r *LeafRecorder) Claims() []cluster.NodeClaims {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cluster.NodeClaims(nil), r.claims...)
}

// StartLeaf starts a fake data leaf and returns its host:port address. A
// non-empty secret makes the leaf reject requests without a valid node
// token, the way a production leaf does.
func StartLeaf(t *testing.T, secret string, respond func(LeafExecuteRequest) LeafExecuteResponse) (string, *LeafRecorder) {
	t.Helper()
	rec := &LeafRecorder{}

	var verifier *cluster.TokenIssuer
	if secret != "" {
		var err error
		verifier, err = cluster.NewTokenIssuer(secret, time.Minute)
		require.NoError(t, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("POST /leaf/v1/execute", func(w http.ResponseWriter, r *http.Request) {
		if verifier != nil {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			claims, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, "invalid node token", http.StatusUnauthorized)
				return
			}
			rec.mu.Lock()
			rec.claims = append(rec.claims, *claims)
			rec.mu.Unlock()
		}

		var req LeafExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.requests = append(rec.requests, req)
		rec.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(respond(req))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://"), rec
}

// PlannerFunc adapts a function to the planner boundary.
type PlannerFunc func(ctx context.Context, snap plan.Snapshot, sql string) (*plan.Plan, error)

// Plan implements the planner boundary.
func (f PlannerFunc) Plan(ctx context.Context, snap plan.Snapshot, sql string) (*plan.Plan, error) {
	return f(ctx, snap, sql)
}

// ScanPlanner plans every statement as one CPU scan of the given table, the
// smallest plan shape that distributes across data leaves.
func ScanPlanner(table string, columns ...result.Column) plan.Planner {
	return PlannerFunc(func(_ context.Context, _ plan.Snapshot, sql string) (*plan.Plan, error) {
		return &plan.Plan{
			SQL:  sql,
			Kind: plan.StatementSelect,
			Query: &plan.QueryPlan{
				Columns: columns,
				Steps:   []plan.Step{{Kind: plan.StepScan, Device: plan.DeviceCPU, Table: table}},
			},
		}, nil
	})
}
