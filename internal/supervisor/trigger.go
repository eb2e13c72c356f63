package supervisor

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/seaweedfs/placement/internal/eventlog"
)

// TriggerReason names why a rebuild trigger was scheduled. The values
// double as the reason code carried in the low byte of a published
// record's flag word.
type TriggerReason uint32

const (
	ReasonDeadNode TriggerReason = iota + 1
	ReasonCorrupted
	ReasonIOError
	ReasonMissingCompletionMetadata
	ReasonTimeRanged
)

func (r TriggerReason) String() string {
	switch r {
	case ReasonDeadNode:
		return "dead_node"
	case ReasonCorrupted:
		return "corrupted"
	case ReasonIOError:
		return "io_error"
	case ReasonMissingCompletionMetadata:
		return "missing_completion_metadata"
	case ReasonTimeRanged:
		return "time_ranged"
	default:
		return "unknown"
	}
}

// localFault reports whether the reason came from this node's own
// storage engine rather than the failure detector. Local faults fire
// even when the node is gossiped ALIVE — the shard is broken no matter
// what its host looks like from the outside.
func (r TriggerReason) localFault() bool {
	switch r {
	case ReasonCorrupted, ReasonIOError, ReasonMissingCompletionMetadata:
		return true
	}
	return false
}

// TriggerState is a shard's position in the rebuild-trigger lifecycle.
type TriggerState int

const (
	// Idle means no rebuild trigger is outstanding for this shard.
	Idle TriggerState = iota
	// Scheduled means the grace period timer is running; the trigger
	// fires when it elapses unless canceled first.
	Scheduled
	// Firing means the gates have all passed and a SHARD_NEEDS_REBUILD
	// record is being (or was just) published.
	Firing
	// Observed means the fire attempt has reported back through
	// OnRebuildObserved; the worker moves the trigger straight on to
	// Idle.
	Observed
)

func (s TriggerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Firing:
		return "firing"
	case Observed:
		return "observed"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the lifecycle's legal edges, including
// the cancel paths back to Idle from Scheduled (node recovered before
// the grace period elapsed) and from Firing (an abort was published
// before any reader observed the rebuild).
var validTransitions = map[TriggerState]map[TriggerState]bool{
	Idle:      {Scheduled: true},
	Scheduled: {Firing: true, Idle: true},
	Firing:    {Observed: true, Idle: true},
	Observed:  {Idle: true},
}

// transition moves a trigger to next, returning an error if the edge
// isn't one of the lifecycle's legal transitions.
func transition(from, to TriggerState) error {
	if validTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("supervisor: illegal trigger transition %s -> %s", from, to)
}

// trigger is one shard's rebuild-trigger bookkeeping, owned
// exclusively by the worker goroutine its shard is sharded to.
type trigger struct {
	state  TriggerState
	reason TriggerReason
	ranges []eventlog.TimeRange
	// fireID identifies one Firing attempt in logs, so separate fires of
	// the same shard (for instance after it fails again later) can be
	// told apart in the supervisor's log output.
	fireID uuid.UUID
}

// timeRanged reports whether this trigger describes a mini rebuilding,
// which the concurrency-threshold gate ignores.
func (t *trigger) timeRanged() bool {
	return len(t.ranges) > 0
}

func (t *trigger) moveTo(to TriggerState) error {
	if err := transition(t.state, to); err != nil {
		return err
	}
	t.state = to
	return nil
}
