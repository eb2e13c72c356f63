// Package clusterview holds the immutable snapshot of nodes, shards,
// locations, weights, and storage state that the selectors and the
// rebuilding supervisor are invoked against. A View is built once per
// cluster configuration change and never mutated afterward; everything
// under it (domain trees, weight tables) belongs solely to the
// operation that built it.
package clusterview

import "fmt"

// StorageState mirrors a node's write-eligibility.
type StorageState int

const (
	StorageNone StorageState = iota
	StorageReadOnly
	StorageReadWrite
	StorageDisabled
)

func (s StorageState) String() string {
	switch s {
	case StorageNone:
		return "none"
	case StorageReadOnly:
		return "read-only"
	case StorageReadWrite:
		return "read-write"
	case StorageDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Scope is a location scope, coarsest first.
type Scope int

const (
	ScopeRegion Scope = iota
	ScopeDataCenter
	ScopeCluster
	ScopeRow
	ScopeRack
	ScopeNode
)

var scopeNames = [...]string{"region", "datacenter", "cluster", "row", "rack", "node"}

func (s Scope) String() string {
	if int(s) < 0 || int(s) >= len(scopeNames) {
		return "unknown"
	}
	return scopeNames[s]
}

// NumScopes is the count of defined location scopes.
const NumScopes = int(ScopeNode) + 1

// NodeIndex identifies a node within a cluster view.
type NodeIndex uint16

// LocationPath is an ordered list of scope labels, region down to rack.
// It does not include the node label itself; that is the NodeIndex.
type LocationPath []string

// Prefix returns the location path truncated to the given scope
// (inclusive). ScopeNode returns the full path plus the node's own
// identity appended by the caller.
func (p LocationPath) Prefix(s Scope) LocationPath {
	n := int(s) + 1
	if n > len(p) {
		n = len(p)
	}
	out := make(LocationPath, n)
	copy(out, p[:n])
	return out
}

// Key renders a location path as a stable string suitable for map keys
// and ordered indices.
func (p LocationPath) Key() string {
	key := ""
	for i, label := range p {
		if i > 0 {
			key += "/"
		}
		key += label
	}
	return key
}

// Node is a storage node: identity, generation, weight, location, and
// write eligibility.
type Node struct {
	Index               NodeIndex
	Generation          uint64
	SequencerWeight     int64
	StorageState        StorageState
	ShardCount          int
	Location            LocationPath
	StorageWeight       int64
	ExcludeFromNodesets bool
}

// Writable reports whether the node currently accepts new shard
// placements.
func (n *Node) Writable() bool {
	return n.StorageState == StorageReadWrite
}

// StorageCapable reports whether the node can hold shards at all
// (read-only nodes still serve reads for existing shards but are not
// eligible for NEW placements; callers needing existing-shard validity
// use this, callers needing new-placement eligibility use Eligible).
func (n *Node) StorageCapable() bool {
	return n.StorageState == StorageReadWrite || n.StorageState == StorageReadOnly
}

// Eligible reports whether the node may receive newly placed shards:
// writable, not excluded, and not in the caller's exclusion set.
func (n *Node) Eligible(excluded map[NodeIndex]struct{}) bool {
	if n.ExcludeFromNodesets || !n.Writable() {
		return false
	}
	if _, skip := excluded[n.Index]; skip {
		return false
	}
	return true
}

// ShardIndex identifies a shard within its node.
type ShardIndex uint16

// ShardID is the (node_index, shard_index) pair identifying a shard.
type ShardID struct {
	NodeIndex  NodeIndex
	ShardIndex ShardIndex
}

func (id ShardID) String() string {
	return fmt.Sprintf("%d.%d", id.NodeIndex, id.ShardIndex)
}

// Less orders shard IDs strictly increasing by (node_index, shard_index).
func (id ShardID) Less(other ShardID) bool {
	if id.NodeIndex != other.NodeIndex {
		return id.NodeIndex < other.NodeIndex
	}
	return id.ShardIndex < other.ShardIndex
}

// Shard is a single storage shard, lifecycle-bound to its node.
type Shard struct {
	ID     ShardID
	Weight int64
}
