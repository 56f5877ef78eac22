//go:build integration

package e2e

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YarShev/omniscidb/pkg/config"
	"github.com/YarShev/omniscidb/pkg/engine"
	"github.com/YarShev/omniscidb/pkg/result"
	"github.com/YarShev/omniscidb/test/e2e/helpers"
)

const fanoutSecret = "e2e-shared-secret"

func flightColumns() []result.Column {
	return []result.Column{{Name: "flight_count", Type: result.TypeBigInt}}
}

func leafRows(rows ...int64) func(helpers.LeafExecuteRequest) helpers.LeafExecuteResponse {
	return func(helpers.LeafExecuteRequest) helpers.LeafExecuteResponse {
		rs := result.ResultSet{Columns: flightColumns()}
		for _, v := range rows {
			rs.Rows = append(rs.Rows, []any{v})
		}
		return helpers.LeafExecuteResponse{Result: rs}
	}
}

// TestDistributedFanoutWithNodeTokens runs a scan against two fake data
// leaves. Both must see one signed request carrying their shard coordinates,
// and the merged rows must come back in leaf order.
func TestDistributedFanoutWithNodeTokens(t *testing.T) {
	leafA, recA := helpers.StartLeaf(t, fanoutSecret, leafRows(1, 2))
	leafB, recB := helpers.StartLeaf(t, fanoutSecret, leafRows(3))

	f := helpers.New(t, func(cfg *config.SystemConfig) {
		cfg.Cluster.DataLeaves = []string{leafA, leafB}
		cfg.Cluster.SharedSecret = fanoutSecret
	}, engine.WithPlanner(helpers.ScanPlanner("flights", flightColumns()...)))

	assert.True(t, f.Status().Distributed)
	assert.Equal(t, 2, f.Status().DataLeaves)

	id := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")
	res := f.MustExecute(id, "SELECT flight_count FROM flights")

	require.Equal(t, 3, res.RowCount)
	assert.Equal(t, [][]any{{float64(1)}, {float64(2)}, {float64(3)}}, res.Rows)

	reqsA, reqsB := recA.Requests(), recB.Requests()
	require.Len(t, reqsA, 1)
	require.Len(t, reqsB, 1)
	assert.Equal(t, 0, reqsA[0].LeafIndex)
	assert.Equal(t, 1, reqsB[0].LeafIndex)
	assert.Equal(t, 2, reqsA[0].LeafCount)
	assert.Equal(t, "SELECT flight_count FROM flights", reqsA[0].SQL)
	assert.Equal(t, "omnisci", reqsA[0].Database)
	assert.Equal(t, reqsA[0].QueryID, reqsB[0].QueryID)

	claims := recA.Claims()
	require.Len(t, claims, 1)
	assert.Equal(t, helpers.AdminUser, claims[0].User)
	assert.Equal(t, "omnisci", claims[0].Database)
	assert.Equal(t, reqsA[0].QueryID, claims[0].QueryID)
}

// TestDistributedLeafRejectsBadToken points the aggregator at a leaf that
// verifies tokens with a different secret. The leaf's rejection must surface
// as a query error, not a partial result.
func TestDistributedLeafRejectsBadToken(t *testing.T) {
	leaf, rec := helpers.StartLeaf(t, "some-other-secret", leafRows(1))

	f := helpers.New(t, func(cfg *config.SystemConfig) {
		cfg.Cluster.DataLeaves = []string{leaf}
		cfg.Cluster.SharedSecret = fanoutSecret
	}, engine.WithPlanner(helpers.ScanPlanner("flights", flightColumns()...)))

	id := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")
	_, apiErr := f.Execute(id, "SELECT flight_count FROM flights")
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "query_error", apiErr.Kind)
	assert.Contains(t, apiErr.Message, "invalid node token")
	assert.Empty(t, rec.Requests())
}
