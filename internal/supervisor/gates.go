package supervisor

import (
	"github.com/seaweedfs/placement/internal/clusterview"
	"github.com/seaweedfs/placement/internal/stats"
)

// gateResult names why a pre-fire gate blocked a trigger, for logging;
// the Prometheus counter bump itself happens inside each gate so the
// metric name stays next to its check.
type gateResult struct {
	blocked bool
	reason  string
}

func pass() gateResult { return gateResult{} }

func block(reason string) gateResult { return gateResult{blocked: true, reason: reason} }

// gate1NotInConfig fails when the shard's node has left the
// configuration entirely since the failure was detected.
func gate1NotInConfig(view *clusterview.View, shard clusterview.ShardID) gateResult {
	if !view.HasNode(shard.NodeIndex) {
		stats.NodeRebuildingNotTriggeredNotInConfig.Inc()
		return block("node not in config")
	}
	return pass()
}

// gate2NodeAliveAgain fails when the node recovered before the grace
// period elapsed. Local storage faults bypass this gate: an I/O error
// or missing completion metadata condemns the shard regardless of how
// alive its host looks to the failure detector.
func gate2NodeAliveAgain(dead bool, reason TriggerReason) gateResult {
	if reason.localFault() {
		return pass()
	}
	if !dead {
		stats.ShardRebuildingNotTriggeredNodeAlive.Inc()
		return block("node alive again")
	}
	return pass()
}

// gate3NotStorageNode fails when the node exists in the configuration
// but no longer carries a storage role (e.g. demoted to sequencer-only).
func gate3NotStorageNode(view *clusterview.View, shard clusterview.ShardID) gateResult {
	n := view.Node(shard.NodeIndex)
	if n == nil || !n.StorageCapable() {
		stats.NodeRebuildingNotTriggeredNotStorage.Inc()
		return block("node not storage-capable")
	}
	return pass()
}

// gate4AlreadyInProgress fails when the event log's tail already shows
// an unacknowledged SHARD_NEEDS_REBUILD for this shard, published by
// another node's supervisor (or an earlier trigger of our own).
func gate4AlreadyInProgress(inProgress bool) gateResult {
	if inProgress {
		stats.ShardRebuildingNotTriggeredStarted.Inc()
		return block("rebuild already in progress")
	}
	return pass()
}

// gate5ConcurrencyThreshold defers a trigger when too large a fraction
// of storage nodes already has a non-time-ranged rebuilding in
// progress per the event log. rebuildingNodes must already be filtered
// to nodes present in the configuration. Deferral, not a drop: the
// caller re-checks after another grace interval.
func gate5ConcurrencyThreshold(rebuildingNodes, totalStorageNodes, maxPercentage int) gateResult {
	if totalStorageNodes <= 0 {
		return pass()
	}
	if rebuildingNodes*100/totalStorageNodes >= maxPercentage {
		stats.ShardRebuildingScheduled.Inc()
		return block("concurrency threshold reached")
	}
	return pass()
}

// gate6TriggerQueueThrottle reports whether the number of outstanding
// scheduled-or-firing triggers already meets the configured cap. The
// throttled gauge is managed by the queue accounting in supervisor.go
// so it resets when the queue drains or leadership is lost, not only
// when a new trigger arrives.
func gate6TriggerQueueThrottle(queueSize, maxQueueSize int) gateResult {
	if maxQueueSize > 0 && queueSize >= maxQueueSize {
		stats.RebuildingSupervisorThrottled.Set(1)
		return block("trigger queue full")
	}
	return pass()
}
