// Package cluster describes the static leaf topology of a distributed
// deployment and provides the client used to reach leaves.
//
// The topology is fixed at startup: an ordered list of string-dictionary
// leaves and an ordered list of data leaves. Leaf position is identity for
// the life of the process; there is no membership change, failure detection
// or rebalancing at this layer.
package cluster

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/YarShev/omniscidb/pkg/config"
)

// LeafRole distinguishes the two leaf populations.
type LeafRole string

const (
	// RoleString marks a string-dictionary leaf.
	RoleString LeafRole = "string"
	// RoleData marks a data (scan/aggregate) leaf.
	RoleData LeafRole = "data"
)

// LeafDescriptor identifies one leaf. Descriptors are immutable.
type LeafDescriptor struct {
	Host string   `json:"host"`
	Port int      `json:"port"`
	Role LeafRole `json:"role"`
}

// Address returns the dialable host:port form.
func (d LeafDescriptor) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// String implements fmt.Stringer for logs.
func (d LeafDescriptor) String() string {
	return fmt.Sprintf("%s-leaf(%s)", d.Role, d.Address())
}

// ParseLeafAddress parses a host:port string into a descriptor of the given
// role.
func ParseLeafAddress(addr string, role LeafRole) (LeafDescriptor, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return LeafDescriptor{}, fmt.Errorf("parsing leaf address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return LeafDescriptor{}, fmt.Errorf("parsing leaf address %q: invalid port %q", addr, portStr)
	}
	return LeafDescriptor{Host: host, Port: port, Role: role}, nil
}

// Registry is the immutable leaf topology. The zero value is a single-node
// topology with no leaves.
type Registry struct {
	stringLeaves []LeafDescriptor
	dataLeaves   []LeafDescriptor
}

// NewRegistry builds a registry from descriptor lists. Order is preserved;
// leaf position is the leaf's identity for result merging.
func NewRegistry(stringLeaves, dataLeaves []LeafDescriptor) *Registry {
	r := &Registry{
		stringLeaves: make([]LeafDescriptor, len(stringLeaves)),
		dataLeaves:   make([]LeafDescriptor, len(dataLeaves)),
	}
	copy(r.stringLeaves, stringLeaves)
	copy(r.dataLeaves, dataLeaves)
	return r
}

// Leaves returns the ordered leaves of one role. The returned slice is a
// copy; the registry never changes after construction.
func (r *Registry) Leaves(role LeafRole) []LeafDescriptor {
	var src []LeafDescriptor
	switch role {
	case RoleString:
		src = r.stringLeaves
	case RoleData:
		src = r.dataLeaves
	}
	out := make([]LeafDescriptor, len(src))
	copy(out, src)
	return out
}

// StringLeafCount returns the number of string-dictionary leaves.
func (r *Registry) StringLeafCount() int { return len(r.stringLeaves) }

// DataLeafCount returns the number of data leaves.
func (r *Registry) DataLeafCount() int { return len(r.dataLeaves) }

// IsDistributed reports whether any leaf of either role is configured.
// A non-distributed registry means single-node execution.
func (r *Registry) IsDistributed() bool {
	return len(r.stringLeaves) > 0 || len(r.dataLeaves) > 0
}

// Hosts returns the distinct hosts across both roles, sorted. Used for
// startup logging.
func (r *Registry) Hosts() []string {
	seen := map[string]struct{}{}
	for _, l := range r.stringLeaves {
		seen[l.Host] = struct{}{}
	}
	for _, l := range r.dataLeaves {
		seen[l.Host] = struct{}{}
	}
	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// topologyDescriptor is the on-disk topology file format.
type topologyDescriptor struct {
	StringLeaves []string `yaml:"string_leaves"`
	DataLeaves   []string `yaml:"data_leaves"`
}

// LoadTopology reads a topology descriptor file.
// The path is expected to come from the system configuration, controlled by
// the administrator.
func LoadTopology(path string) (*Registry, error) {
	// #nosec G304 -- path is from config, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}

	var desc topologyDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parsing topology file: %w", err)
	}

	return buildRegistry(desc.StringLeaves, desc.DataLeaves)
}

// FromConfig builds the registry from the cluster configuration, loading the
// topology file when one is referenced and using the inline lists otherwise.
func FromConfig(cfg config.ClusterConfig) (*Registry, error) {
	if cfg.TopologyFile != "" {
		return LoadTopology(cfg.TopologyFile)
	}
	return buildRegistry(cfg.StringLeaves, cfg.DataLeaves)
}

func buildRegistry(stringAddrs, dataAddrs []string) (*Registry, error) {
	stringLeaves := make([]LeafDescriptor, 0, len(stringAddrs))
	for _, addr := range stringAddrs {
		leaf, err := ParseLeafAddress(addr, RoleString)
		if err != nil {
			return nil, err
		}
		stringLeaves = append(stringLeaves, leaf)
	}
	dataLeaves := make([]LeafDescriptor, 0, len(dataAddrs))
	for _, addr := range dataAddrs {
		leaf, err := ParseLeafAddress(addr, RoleData)
		if err != nil {
			return nil, err
		}
		dataLeaves = append(dataLeaves, leaf)
	}
	return NewRegistry(stringLeaves, dataLeaves), nil
}
