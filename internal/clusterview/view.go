package clusterview

import "sort"

// View is an immutable snapshot of the cluster's nodes and shards, plus
// the ConfigVersion it was built with. The event log's conditional
// append checks the storage-nodes hash (internal/metahash), not
// ConfigVersion. Build returns a
// fully formed View; callers never mutate it afterward — a changed
// configuration means building a new View.
type View struct {
	ConfigVersion uint64
	nodesByIndex  map[NodeIndex]*Node
	shardsByNode  map[NodeIndex][]Shard
}

// Build assembles a View from a flat node+shard list. Nodes are copied
// defensively so a caller mutating its own slice afterward cannot
// corrupt the snapshot.
func Build(version uint64, nodes []Node, shards []Shard) *View {
	v := &View{
		ConfigVersion: version,
		nodesByIndex:  make(map[NodeIndex]*Node, len(nodes)),
		shardsByNode:  make(map[NodeIndex][]Shard),
	}
	for i := range nodes {
		n := nodes[i]
		v.nodesByIndex[n.Index] = &n
	}
	for _, sh := range shards {
		v.shardsByNode[sh.ID.NodeIndex] = append(v.shardsByNode[sh.ID.NodeIndex], sh)
	}
	for idx := range v.shardsByNode {
		ss := v.shardsByNode[idx]
		sort.Slice(ss, func(i, j int) bool { return ss[i].ID.Less(ss[j].ID) })
	}
	return v
}

// Node returns the node at the given index, or nil if absent from this
// view.
func (v *View) Node(idx NodeIndex) *Node {
	return v.nodesByIndex[idx]
}

// Shards returns the shards belonging to a node, in ascending
// ShardIndex order.
func (v *View) Shards(idx NodeIndex) []Shard {
	return v.shardsByNode[idx]
}

// AllShards returns every shard in the view, sorted by (node_index,
// shard_index).
func (v *View) AllShards() []ShardID {
	var out []ShardID
	for idx, shards := range v.shardsByNode {
		_ = idx
		for _, sh := range shards {
			out = append(out, sh.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// EligibleShards returns every shard whose owning node is writable, not
// excluded, and not in the caller's exclusion set — the universe the
// selectors draw from.
func (v *View) EligibleShards(excluded map[NodeIndex]struct{}) []ShardID {
	var out []ShardID
	for _, id := range v.AllShards() {
		n := v.Node(id.NodeIndex)
		if n != nil && n.Eligible(excluded) {
			out = append(out, id)
		}
	}
	return out
}

// ShardWeight looks up a shard's weight, or 0 if unknown.
func (v *View) ShardWeight(id ShardID) int64 {
	for _, sh := range v.shardsByNode[id.NodeIndex] {
		if sh.ID == id {
			return sh.Weight
		}
	}
	return 0
}

// HasNode reports whether a node is present in this configuration —
// used by the supervisor's pre-fire gate 1.
func (v *View) HasNode(idx NodeIndex) bool {
	_, ok := v.nodesByIndex[idx]
	return ok
}

// Nodes returns every node in the view, sorted by index.
func (v *View) Nodes() []*Node {
	out := make([]*Node, 0, len(v.nodesByIndex))
	for _, n := range v.nodesByIndex {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// TotalStorageNodes counts nodes with any storage-capable state,
// regardless of writability — used by the supervisor's concurrency
// gate.
func (v *View) TotalStorageNodes() int {
	n := 0
	for _, node := range v.nodesByIndex {
		if node.StorageCapable() {
			n++
		}
	}
	return n
}
