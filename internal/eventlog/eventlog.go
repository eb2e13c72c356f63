package eventlog

import (
	"fmt"
	"time"

	"github.com/hashicorp/raft"

	"github.com/seaweedfs/placement/internal/clusterview"
)

// EventLog is a raft-replicated append point for rebuild-lifecycle
// records. Only the cluster's current raft leader can append; callers
// that are not leader get ErrNotLeader back and should step back and
// let the supervisor's leader-election logic retry elsewhere.
type EventLog struct {
	raft *raft.Raft
	fsm  *FSM
}

// ErrNotLeader is returned from Append when this node does not hold
// raft leadership.
var ErrNotLeader = fmt.Errorf("eventlog: not the raft leader")

// New wraps an already-configured raft.Raft instance (built by the
// caller from raft.Config, a transport, log/stable stores, and a
// snapshot store — the construction is deployment-specific and does
// not belong in this package) together with the FSM it was built over.
func New(r *raft.Raft, fsm *FSM) *EventLog {
	return &EventLog{raft: r, fsm: fsm}
}

// IsLeader reports whether this node currently holds raft leadership —
// the supervisor's leader-election check before firing a trigger.
func (e *EventLog) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

// Append proposes a record for replication and blocks until it commits
// or timeout elapses. It fails fast with ErrNotLeader rather than
// forwarding to the real leader, since the supervisor already routes
// work to whichever node holds leadership.
func (e *EventLog) Append(r Record, timeout time.Duration) error {
	if !e.IsLeader() {
		return ErrNotLeader
	}
	future := e.raft.Apply(Encode(r), timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("eventlog: apply failed: %w", err)
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return fmt.Errorf("eventlog: fsm rejected record: %w", applyErr)
	}
	return nil
}

// AppendIfConfigMatches is the conditional-append path the supervisor
// uses when publishing SHARD_NEEDS_REBUILD: it only appends if the
// shard's current epoch metadata still matches the configuration hash
// the decision was computed against, preventing a stale decision
// (computed before a concurrent reconfiguration) from being published.
func (e *EventLog) AppendIfConfigMatches(r Record, meta *clusterview.EpochMetadata, nodesConfigHash uint64, timeout time.Duration) error {
	if !meta.MatchesConfig(nodesConfigHash) {
		return fmt.Errorf("eventlog: epoch metadata stale, refusing append for shard %s", r.Shard)
	}
	r.Flags |= FlagConditional
	r.ConditionalVersion = nodesConfigHash
	return e.Append(r, timeout)
}

// Tail returns a shard's applied record history.
func (e *EventLog) Tail(shard clusterview.ShardID) []Record {
	return e.fsm.Tail(shard)
}

// RebuildingNodes returns the nodes the event log currently shows a
// non-time-ranged rebuilding in progress for.
func (e *EventLog) RebuildingNodes() map[clusterview.NodeIndex]struct{} {
	return e.fsm.RebuildingNodes()
}

// LatestEpoch is the highest epoch this log has observed a
// ShardIsRebuilt record for, for a shard.
func (e *EventLog) LatestEpoch(shard clusterview.ShardID) uint64 {
	return e.fsm.LatestEpoch(shard)
}
