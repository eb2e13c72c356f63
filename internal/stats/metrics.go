// Package stats exposes the rebuilding supervisor's observability
// counters and gauges as Prometheus collectors registered against a
// package registry.
package stats

import (
	"time"

	"github.com/armon/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "placement"

var Registry = prometheus.NewRegistry()

var (
	NodeRebuildingNotTriggeredNotInConfig = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_rebuilding_not_triggered_notinconfig",
		Help:      "Triggers dropped at fire time because the node left the configuration.",
	})

	ShardRebuildingNotTriggeredNodeAlive = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shard_rebuilding_not_triggered_nodealive",
		Help:      "Triggers dropped at fire time because the node was observed alive again.",
	})

	NodeRebuildingNotTriggeredNotStorage = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_rebuilding_not_triggered_notstorage",
		Help:      "Triggers dropped at fire time because the node is not a storage node.",
	})

	ShardRebuildingNotTriggeredStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shard_rebuilding_not_triggered_started",
		Help:      "Triggers dropped at fire time because the event log already shows rebuilding in progress.",
	})

	ShardRebuildingTriggered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shard_rebuilding_triggered",
		Help:      "Triggers that passed every gate and published SHARD_NEEDS_REBUILD.",
	})

	ShardRebuildingScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shard_rebuilding_scheduled",
		Help:      "Triggers deferred at fire time by the concurrency threshold gate.",
	})

	RebuildingSupervisorThrottled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rebuilding_supervisor_throttled",
		Help:      "1 when the trigger queue exceeds max_rebuilding_trigger_queue_size, else 0.",
	})

	TriggerQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rebuilding_trigger_queue_size",
		Help:      "Current number of distinct scheduled triggers.",
	})
)

func init() {
	Registry.MustRegister(
		NodeRebuildingNotTriggeredNotInConfig,
		ShardRebuildingNotTriggeredNodeAlive,
		NodeRebuildingNotTriggeredNotStorage,
		ShardRebuildingNotTriggeredStarted,
		ShardRebuildingTriggered,
		ShardRebuildingScheduled,
		RebuildingSupervisorThrottled,
		TriggerQueueSize,
	)
}

// GraceSink is a package-level armon/go-metrics in-memory sink for
// grace-period timings: a second, lower-overhead metrics path for
// high-frequency internal timings that aren't worth exporting as
// Prometheus series. Retained in memory (1s resolution, 60 intervals)
// so an operator can inspect recent grace-period behavior without a
// scrape.
var GraceSink = metrics.NewInmemSink(time.Second, time.Minute)

// GracePeriodTimer records a grace-period wait duration for a shard.
func GracePeriodTimer(shard string, seconds float32) {
	GraceSink.AddSample([]string{"rebuilding", "grace_period_seconds", shard}, seconds)
}
