//go:build integration

package e2e

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YarShev/omniscidb/test/e2e/helpers"
)

const defaultWait = 5 * time.Second

func TestSessionLifecycle(t *testing.T) {
	f := helpers.New(t, nil)
	f.WaitReady(defaultWait)

	t.Run("bad credentials never issue a session", func(t *testing.T) {
		_, apiErr := f.Connect(helpers.AdminUser, "nope", "")
		require.NotNil(t, apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
		assert.Equal(t, "auth_error", apiErr.Kind)
		assert.Zero(t, f.Status().ActiveSessions)
	})

	t.Run("unknown database is indistinguishable from a bad credential", func(t *testing.T) {
		_, badPassword := f.Connect(helpers.AdminUser, "nope", "")
		require.NotNil(t, badPassword)

		_, badDatabase := f.Connect(helpers.AdminUser, helpers.AdminPassword, "atlantis")
		require.NotNil(t, badDatabase)
		assert.Equal(t, "auth_error", badDatabase.Kind)
		assert.Equal(t, badPassword.Message, badDatabase.Message)
	})

	t.Run("connect execute disconnect", func(t *testing.T) {
		id := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")
		res := f.MustExecute(id, "SELECT 1")
		require.Equal(t, 1, res.RowCount)
		assert.Equal(t, 1, f.Status().ActiveSessions)

		require.Nil(t, f.Disconnect(id))
		assert.Zero(t, f.Status().ActiveSessions)

		_, apiErr := f.Execute(id, "SELECT 1")
		require.NotNil(t, apiErr)
		assert.Equal(t, "session_not_found", apiErr.Kind)

		apiErr = f.Disconnect(id)
		require.NotNil(t, apiErr)
		assert.Equal(t, "session_not_found", apiErr.Kind)
	})

	t.Run("identifiers are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 32; i++ {
			id := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")
			require.False(t, seen[id], "session id issued twice")
			seen[id] = true
		}
		for id := range seen {
			require.Nil(t, f.Disconnect(id))
		}
		assert.Zero(t, f.Status().ActiveSessions)
	})
}

func TestInterruptEndToEnd(t *testing.T) {
	f := helpers.New(t, nil)

	_, apiErr := f.Interrupt("ghost")
	require.NotNil(t, apiErr)
	assert.Equal(t, "session_not_found", apiErr.Kind)

	id := f.MustConnect(helpers.AdminUser, helpers.AdminPassword, "")
	n, apiErr := f.Interrupt(id)
	require.Nil(t, apiErr)
	assert.Zero(t, n)
}
