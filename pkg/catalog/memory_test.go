package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_DeleteDatabaseCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{Username: "bob", CanLogin: true}))
	require.NoError(t, s.CreateDatabase(ctx, &Database{Name: "sales", Owner: "bob"}))
	require.NoError(t, s.CreateTable(ctx, "sales", &Table{Name: "orders"}))
	require.NoError(t, s.Grant(ctx, "bob", "sales", []Privilege{PrivAccess, PrivSelect}))

	require.NoError(t, s.DeleteDatabase(ctx, "sales"))

	_, err := s.GetDatabase(ctx, "sales")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ListTables(ctx, "sales")
	assert.ErrorIs(t, err, ErrNotFound)

	privs, err := s.Privileges(ctx, "bob", "sales")
	require.NoError(t, err)
	assert.Empty(t, privs, "grants must not survive their database")
}

func TestMemoryStore_DropUserCascadesGrants(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{Username: "bob", CanLogin: true}))
	require.NoError(t, s.CreateDatabase(ctx, &Database{Name: "sales", Owner: "bob"}))
	require.NoError(t, s.Grant(ctx, "bob", "sales", []Privilege{PrivAccess}))

	require.NoError(t, s.DropUser(ctx, "bob"))

	privs, err := s.Privileges(ctx, "bob", "sales")
	require.NoError(t, err)
	assert.Empty(t, privs)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateDatabase(ctx, &Database{Name: "sales", Owner: "bob"}))
	require.NoError(t, s.CreateTable(ctx, "sales", &Table{
		Name:    "orders",
		Columns: []Column{{Name: "id", Type: "BIGINT"}},
	}))

	got, err := s.GetTable(ctx, "sales", "orders")
	require.NoError(t, err)
	got.Columns[0].Name = "mutated"
	got.Name = "mutated"

	again, err := s.GetTable(ctx, "sales", "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", again.Name)
	assert.Equal(t, "id", again.Columns[0].Name)
}

func TestMemoryStore_DuplicateCreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{Username: "bob"}))
	assert.ErrorIs(t, s.CreateUser(ctx, &User{Username: "bob"}), ErrAlreadyExists)

	require.NoError(t, s.CreateDatabase(ctx, &Database{Name: "sales"}))
	assert.ErrorIs(t, s.CreateDatabase(ctx, &Database{Name: "sales"}), ErrAlreadyExists)

	require.NoError(t, s.CreateTable(ctx, "sales", &Table{Name: "orders"}))
	assert.ErrorIs(t, s.CreateTable(ctx, "sales", &Table{Name: "orders"}), ErrAlreadyExists)
}

func TestMemoryStore_ListOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.CreateDatabase(ctx, &Database{Name: name}))
		require.NoError(t, s.CreateUser(ctx, &User{Username: name}))
	}

	dbs, err := s.ListDatabases(ctx)
	require.NoError(t, err)
	require.Len(t, dbs, 3)
	assert.Equal(t, "alpha", dbs[0].Name)
	assert.Equal(t, "mid", dbs[1].Name)
	assert.Equal(t, "zeta", dbs[2].Name)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "alpha", users[0].Username)
	assert.Equal(t, "zeta", users[2].Username)
}
