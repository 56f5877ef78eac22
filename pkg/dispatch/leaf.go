package dispatch

import (
	"hash/fnv"

	"github.com/YarShev/omniscidb/pkg/cluster"
	"github.com/YarShev/omniscidb/pkg/result"
)

// Leaf endpoint paths. Leaves speak the same JSON dialect as the ops server.
const (
	leafExecutePath = "/leaf/v1/execute"
	leafLookupPath  = "/leaf/v1/lookup"
)

// leafExecuteRequest asks one data leaf to execute its shard of a statement.
// LeafIndex and LeafCount tell the leaf which fragments of each table it
// owns; position in the registry is the leaf's identity.
type leafExecuteRequest struct {
	QueryID   string `json:"query_id"`
	Database  string `json:"database"`
	SQL       string `json:"sql"`
	LeafIndex int    `json:"leaf_index"`
	LeafCount int    `json:"leaf_count"`
}

// leafExecuteResponse carries one leaf's partial result. Columns listed in
// DictColumns hold dictionary ids instead of strings; the aggregator resolves
// them against the string leaves after the merge.
type leafExecuteResponse struct {
	Result      result.ResultSet `json:"result"`
	DictColumns []leafDictColumn `json:"dict_columns,omitempty"`
}

// leafDictColumn names one dictionary-encoded result column.
type leafDictColumn struct {
	// Index is the column's position in the result schema.
	Index int `json:"index"`

	// Dictionary is the table.column key identifying the dictionary.
	Dictionary string `json:"dictionary"`
}

// leafLookupRequest resolves dictionary ids to their strings.
type leafLookupRequest struct {
	QueryID    string  `json:"query_id"`
	Database   string  `json:"database"`
	Dictionary string  `json:"dictionary"`
	IDs        []int64 `json:"ids"`
}

// leafLookupResponse returns the strings for leafLookupRequest.IDs in order.
type leafLookupResponse struct {
	Values []string `json:"values"`
}

// dictionaryLeaf picks the string leaf owning a dictionary. Dictionaries are
// distributed by stable hash of their key so every aggregator resolves the
// same dictionary against the same leaf.
func dictionaryLeaf(leaves []cluster.LeafDescriptor, dictionary string) cluster.LeafDescriptor {
	h := fnv.New32a()
	_, _ = h.Write([]byte(dictionary))
	return leaves[int(h.Sum32())%len(leaves)]
}
