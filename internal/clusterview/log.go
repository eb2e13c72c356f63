package clusterview

import "time"

// LogID is a log's 64-bit identity.
type LogID uint64

// LogAttributes holds a log's replication requirements and placement
// hints.
type LogAttributes struct {
	LogID       LogID
	Replication *ReplicationProperty
	NodesetSize *int           // nil means "all eligible"
	Backlog     *time.Duration // nil means infinite retention
	IsInternal  bool
	IsMetadata  bool
	CrossDomain bool // the CROSSDOMAIN policy is in effect for this log
}

// EpochMetadata binds a nodeset and replication property to a range of
// epochs. MatchesConfig reports whether regenerating against config
// with the same selector would yield an equivalent decision, per the
// invariant in the data model: it compares the persisted
// NodesConfigHash, not the nodeset contents directly, so that a no-op
// reconfiguration (same effective shards, different internal book
// keeping) is not mistaken for drift.
type EpochMetadata struct {
	Nodeset         []ShardID
	Replication     *ReplicationProperty
	EffectiveSince  uint64
	CurrentEpoch    uint64
	NodesConfigHash uint64
	Flags           uint32
}

// MatchesConfig reports whether this epoch metadata is still valid
// against a configuration carrying the given hash.
func (m *EpochMetadata) MatchesConfig(nodesConfigHash uint64) bool {
	if m == nil {
		return false
	}
	return m.NodesConfigHash == nodesConfigHash
}
