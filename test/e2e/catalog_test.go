//go:build integration

package e2e

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YarShev/omniscidb/test/e2e/helpers"
)

// TestCatalogVisibilityAcrossReconnect verifies that DDL survives the session
// that issued it and lands in the SQLite-backed catalog, not in session state.
func TestCatalogVisibilityAcrossReconnect(t *testing.T) {
	f := helpers.New(t, nil)

	admin := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")
	f.MustExecute(admin, "CREATE DATABASE sales")
	require.Nil(t, f.Disconnect(admin))

	sales := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "sales")
	f.MustExecute(sales, "CREATE TABLE orders (id BIGINT, amount DOUBLE)")
	require.Nil(t, f.Disconnect(sales))

	probe := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "sales")
	defer f.Disconnect(probe)

	res := f.MustExecute(probe, "SHOW TABLES")
	require.NotEmpty(t, res.Rows)
	names := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		require.Len(t, row, 1)
		names = append(names, fmt.Sprintf("%v", row[0]))
	}
	assert.Contains(t, names, "orders")
}

// TestGrantLifecycle walks a user through creation, grant, revoke, and drop,
// checking the server-side decision at every step.
func TestGrantLifecycle(t *testing.T) {
	f := helpers.New(t, nil)

	const (
		grantee  = "erin"
		password = "erin-secret"
	)

	admin := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")
	defer f.Disconnect(admin)

	f.MustExecute(admin, fmt.Sprintf("CREATE USER %s (password = '%s')", grantee, password))
	f.MustExecute(admin, fmt.Sprintf("GRANT ACCESS, SELECT ON DATABASE omnisci TO %s", grantee))

	erin := f.MustConnect(grantee, password, "")
	res := f.MustExecute(erin, "SELECT 1")
	assert.Equal(t, 1, res.RowCount)
	require.Nil(t, f.Disconnect(erin))

	f.MustExecute(admin, fmt.Sprintf("REVOKE SELECT ON DATABASE omnisci FROM %s", grantee))

	erin = f.MustConnect(grantee, password, "")
	_, apiErr := f.Execute(erin, "SELECT 1")
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "authorization_error", apiErr.Kind)
	require.Nil(t, f.Disconnect(erin))

	f.MustExecute(admin, fmt.Sprintf("DROP USER %s", grantee))

	_, apiErr = f.Connect(grantee, password, "")
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "auth_error", apiErr.Kind)
}

// TestConcurrentDDLExactlyOneWins races several sessions creating the same
// table. The catalog store must let exactly one through.
func TestConcurrentDDLExactlyOneWins(t *testing.T) {
	f := helpers.New(t, nil)

	const racers = 6

	sessions := make([]string, racers)
	for i := range sessions {
		sessions[i] = f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for _, id := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, apiErr := f.Execute(id, "CREATE TABLE contested (id BIGINT)")
			if apiErr == nil {
				wins.Add(1)
				return
			}
			assert.Contains(t, apiErr.Message, "already exists")
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one CREATE TABLE should win")

	probe := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")
	defer f.Disconnect(probe)
	res := f.MustExecute(probe, "SHOW TABLES")
	found := false
	for _, row := range res.Rows {
		if len(row) == 1 && fmt.Sprintf("%v", row[0]) == "contested" {
			found = true
		}
	}
	assert.True(t, found, "contested table should be visible after the race")
}
