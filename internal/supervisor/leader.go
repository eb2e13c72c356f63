package supervisor

import (
	"github.com/seaweedfs/placement/internal/clusterview"
	"github.com/seaweedfs/placement/internal/liveness"
)

// TailChecker reports whether this node's local copy of the event log
// has caught up to the cluster's committed tail. The supervisor only
// lets a node act as trigger leader once its own view of history is
// current — otherwise it could fire a trigger for a shard another node
// already resolved, duplicating the rebuild.
type TailChecker interface {
	CaughtUp() bool
}

// LeaderElector decides, for the current configuration, which single
// node is responsible for firing rebuild triggers: the lowest-indexed
// storage-capable node that liveness reports ALIVE and whose event-log
// tail is caught up. Every node runs the same deterministic rule
// against the same view, so at most one node ever believes itself
// leader without needing a separate election protocol of its own — it
// rides on the event log's raft leadership for the actual append.
type LeaderElector struct {
	SelfIndex clusterview.NodeIndex
	Liveness  *liveness.Tracker
	Tail      TailChecker
}

// IsLeader reports whether this node is the trigger leader for view.
func (le *LeaderElector) IsLeader(view *clusterview.View) bool {
	if le.Tail != nil && !le.Tail.CaughtUp() {
		return false
	}
	lowest, ok := le.lowestLiveStorageNode(view)
	return ok && lowest == le.SelfIndex
}

func (le *LeaderElector) lowestLiveStorageNode(view *clusterview.View) (clusterview.NodeIndex, bool) {
	for _, n := range view.Nodes() {
		if !n.StorageCapable() {
			continue
		}
		if le.Liveness != nil && le.Liveness.State(uint16(n.Index)) != liveness.Alive {
			continue
		}
		return n.Index, true
	}
	return 0, false
}
