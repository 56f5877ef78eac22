package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YarShev/omniscidb/pkg/config"
)

const (
	testStringLeafAddr = "string0.example.com:16278"
	testDataLeafAddr0  = "data0.example.com:16274"
	testDataLeafAddr1  = "data1.example.com:16274"
)

func TestParseLeafAddress(t *testing.T) {
	leaf, err := ParseLeafAddress(testDataLeafAddr0, RoleData)
	require.NoError(t, err)
	assert.Equal(t, "data0.example.com", leaf.Host)
	assert.Equal(t, 16274, leaf.Port)
	assert.Equal(t, RoleData, leaf.Role)
	assert.Equal(t, "data0.example.com:16274", leaf.Address())
}

func TestParseLeafAddress_Invalid(t *testing.T) {
	tests := []struct {
		name string
		addr string
	}{
		{"missing port", "data0.example.com"},
		{"empty", ""},
		{"non-numeric port", "data0.example.com:abc"},
		{"port out of range", "data0.example.com:99999"},
		{"zero port", "data0.example.com:0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLeafAddress(tt.addr, RoleData)
			assert.Error(t, err)
		})
	}
}

func TestRegistry_PreservesOrderAndIsolation(t *testing.T) {
	data := []LeafDescriptor{
		{Host: "data0.example.com", Port: 16274, Role: RoleData},
		{Host: "data1.example.com", Port: 16274, Role: RoleData},
	}
	str := []LeafDescriptor{
		{Host: "string0.example.com", Port: 16278, Role: RoleString},
	}

	r := NewRegistry(str, data)

	got := r.Leaves(RoleData)
	require.Len(t, got, 2)
	assert.Equal(t, "data0.example.com", got[0].Host)
	assert.Equal(t, "data1.example.com", got[1].Host)

	// Mutating the returned slice must not affect the registry.
	got[0].Host = "mutated"
	assert.Equal(t, "data0.example.com", r.Leaves(RoleData)[0].Host)

	assert.Equal(t, 1, r.StringLeafCount())
	assert.Equal(t, 2, r.DataLeafCount())
	assert.True(t, r.IsDistributed())
}

func TestRegistry_SingleNode(t *testing.T) {
	r := NewRegistry(nil, nil)
	assert.False(t, r.IsDistributed())
	assert.Empty(t, r.Leaves(RoleData))
	assert.Empty(t, r.Leaves(RoleString))
}

func TestRegistry_Hosts(t *testing.T) {
	r := NewRegistry(
		[]LeafDescriptor{{Host: "b.example.com", Port: 16278, Role: RoleString}},
		[]LeafDescriptor{
			{Host: "a.example.com", Port: 16274, Role: RoleData},
			{Host: "b.example.com", Port: 16274, Role: RoleData},
		},
	)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, r.Hosts())
}

func TestLoadTopology(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	content := `
string_leaves:
  - ` + testStringLeafAddr + `
data_leaves:
  - ` + testDataLeafAddr0 + `
  - ` + testDataLeafAddr1 + `
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r, err := LoadTopology(path)
	require.NoError(t, err)
	assert.Equal(t, 1, r.StringLeafCount())
	assert.Equal(t, 2, r.DataLeafCount())
	assert.True(t, r.IsDistributed())

	data := r.Leaves(RoleData)
	assert.Equal(t, RoleData, data[0].Role)
	assert.Equal(t, "data0.example.com", data[0].Host)
}

func TestLoadTopology_BadAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_leaves: [\"no-port\"]\n"), 0o600))

	_, err := LoadTopology(path)
	assert.Error(t, err)
}

func TestFromConfig_InlineLeaves(t *testing.T) {
	r, err := FromConfig(config.ClusterConfig{
		StringLeaves: []string{testStringLeafAddr},
		DataLeaves:   []string{testDataLeafAddr0},
	})
	require.NoError(t, err)
	assert.True(t, r.IsDistributed())
	assert.Equal(t, 1, r.StringLeafCount())
	assert.Equal(t, 1, r.DataLeafCount())
}

func TestFromConfig_Empty(t *testing.T) {
	r, err := FromConfig(config.ClusterConfig{})
	require.NoError(t, err)
	assert.False(t, r.IsDistributed())
}
