package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/placement/internal/clusterview"
	"github.com/seaweedfs/placement/internal/config"
	"github.com/seaweedfs/placement/internal/enumerator"
	"github.com/seaweedfs/placement/internal/epochmeta"
	"github.com/seaweedfs/placement/internal/eventlog"
	"github.com/seaweedfs/placement/internal/liveness"
	"github.com/seaweedfs/placement/internal/stats"
)

// fakeConfig is a minimal config.Surface with fast timings for tests.
type fakeConfig struct {
	mu     sync.Mutex
	values map[string]interface{}
}

func newFakeConfig() *fakeConfig {
	return &fakeConfig{values: map[string]interface{}{
		config.EnableSelfInitiatedRebuilding:      true,
		config.SelfInitiatedRebuildingGracePeriod: 5 * time.Millisecond,
		config.MaxNodeRebuildingPercentage:        100,
		config.MaxRebuildingTriggerQueueSize:      1000,
		config.EventLogGracePeriod:                time.Second,
	}}
}

func (f *fakeConfig) set(key string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
}

func (f *fakeConfig) GetBool(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.values[key].(bool); ok {
		return v
	}
	return false
}

func (f *fakeConfig) GetInt(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.values[key].(int); ok {
		return v
	}
	return 0
}

func (f *fakeConfig) GetDuration(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.values[key].(time.Duration); ok {
		return v
	}
	return 0
}

func (f *fakeConfig) GetString(key string) string { return "" }

func (f *fakeConfig) SetDefault(key string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.values[key]; !exists {
		f.values[key] = value
	}
}

// fakeEventLog is an in-memory EventLog for tests: leadership is a
// flag and the tail is exactly what was appended.
type fakeEventLog struct {
	mu       sync.Mutex
	leader   bool
	appended []eventlog.Record
	tails    map[clusterview.ShardID][]eventlog.Record
}

func newFakeEventLog() *fakeEventLog {
	return &fakeEventLog{leader: true, tails: make(map[clusterview.ShardID][]eventlog.Record)}
}

func (f *fakeEventLog) IsLeader() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.leader }

func (f *fakeEventLog) setLeader(leader bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leader = leader
}

func (f *fakeEventLog) Tail(shard clusterview.ShardID) []eventlog.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]eventlog.Record, len(f.tails[shard]))
	copy(out, f.tails[shard])
	return out
}

func (f *fakeEventLog) RebuildingNodes() map[clusterview.NodeIndex]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[clusterview.NodeIndex]struct{})
	for shard, records := range f.tails {
	scan:
		for i := len(records) - 1; i >= 0; i-- {
			switch records[i].Type {
			case eventlog.ShardNeedsRebuild:
				if !records[i].TimeRanged() {
					out[shard.NodeIndex] = struct{}{}
				}
				break scan
			case eventlog.ShardIsRebuilt, eventlog.ShardAbortRebuild:
				break scan
			}
		}
	}
	return out
}

func (f *fakeEventLog) Append(r eventlog.Record, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, r)
	f.tails[r.Shard] = append(f.tails[r.Shard], r)
	return nil
}

func (f *fakeEventLog) AppendIfConfigMatches(r eventlog.Record, meta *clusterview.EpochMetadata, hash uint64, timeout time.Duration) error {
	return f.Append(r, timeout)
}

// seed injects a record into the tail without counting it as one of the
// supervisor's own appends.
func (f *fakeEventLog) seed(r eventlog.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tails[r.Shard] = append(f.tails[r.Shard], r)
}

func (f *fakeEventLog) appendedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

func (f *fakeEventLog) appendedAt(i int) eventlog.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appended[i]
}

// testView builds a view of read-write nodes 1..n, each in its own
// rack, with one shard per entry in shardNodes (shard indices assigned
// per node in order of appearance).
func testView(n int, shardNodes ...clusterview.NodeIndex) *clusterview.View {
	var nodes []clusterview.Node
	for i := 1; i <= n; i++ {
		nodes = append(nodes, clusterview.Node{
			Index:         clusterview.NodeIndex(i),
			StorageState:  clusterview.StorageReadWrite,
			StorageWeight: 10,
			Location:      clusterview.LocationPath{"us", "dc1", "c1", "row1", "rack" + string(rune('A'+i))},
		})
	}
	var shards []clusterview.Shard
	next := map[clusterview.NodeIndex]clusterview.ShardIndex{}
	for _, idx := range shardNodes {
		shards = append(shards, clusterview.Shard{ID: clusterview.ShardID{NodeIndex: idx, ShardIndex: next[idx]}, Weight: 1})
		next[idx]++
	}
	return clusterview.Build(1, nodes, shards)
}

type testRig struct {
	sup     *Supervisor
	log     *fakeEventLog
	cfg     *fakeConfig
	src     *liveness.FakeSource
	tracker *liveness.Tracker
	enum    *enumerator.InMemory
}

// newRig stands up a supervisor as node self against view, with every
// node initially alive and fast test timings.
func newRig(t *testing.T, self clusterview.NodeIndex, view *clusterview.View) *testRig {
	t.Helper()
	src := liveness.NewFakeSource()
	for _, n := range view.Nodes() {
		src.Set(uint16(n.Index), liveness.Alive)
	}
	tracker := liveness.NewTracker(src)
	log := newFakeEventLog()
	cfg := newFakeConfig()
	enum := enumerator.NewInMemory()

	sup := New(cfg, self, tracker, log, enum, epochmeta.NewStore(), WithWorkers(2))
	sup.SetView(view)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sup.Start(ctx)

	return &testRig{sup: sup, log: log, cfg: cfg, src: src, tracker: tracker, enum: enum}
}

// kill marks a node dead in the failure detector and notifies the
// supervisor for each of the node's shards.
func (r *testRig) kill(view *clusterview.View, node clusterview.NodeIndex) {
	r.src.Set(uint16(node), liveness.Dead)
	for _, sh := range view.Shards(node) {
		r.sup.OnNodeFailure(sh.ID)
	}
}

func waitTracker(t *testing.T, tracker *liveness.Tracker, node uint16, want liveness.State) {
	t.Helper()
	require.Eventually(t, func() bool { return tracker.State(node) == want }, time.Second, time.Millisecond)
}

func TestSupervisor_FiresTriggerAfterGracePeriod(t *testing.T) {
	view := testView(2, 1)
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}

	rig := newRig(t, 2, view)
	rig.enum.Index(shard, 500, clusterview.LogAttributes{LogID: 500})

	rig.src.Set(1, liveness.Dead)
	waitTracker(t, rig.tracker, 1, liveness.Dead)
	rig.sup.OnNodeFailure(shard)

	require.Eventually(t, func() bool {
		return rig.log.appendedCount() == 1
	}, time.Second, time.Millisecond)

	rec := rig.log.appendedAt(0)
	assert.Equal(t, eventlog.ShardNeedsRebuild, rec.Type)
	assert.EqualValues(t, 500, rec.LogID)
	assert.Equal(t, clusterview.NodeIndex(2), rec.SourceNode)
	assert.EqualValues(t, ReasonDeadNode, eventlog.ReasonFromFlags(rec.Flags))
}

func TestSupervisor_CancelsOnNodeRecovered(t *testing.T) {
	view := testView(2, 1)
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}

	rig := newRig(t, 2, view)
	rig.cfg.set(config.SelfInitiatedRebuildingGracePeriod, 200*time.Millisecond)

	rig.src.Set(1, liveness.Dead)
	waitTracker(t, rig.tracker, 1, liveness.Dead)
	rig.sup.OnNodeFailure(shard)

	rig.src.Set(1, liveness.Alive)
	waitTracker(t, rig.tracker, 1, liveness.Alive)
	rig.sup.OnNodeRecovered(shard)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, rig.log.appendedCount())
}

func TestSupervisor_SkipsWhenNodeNotInConfig(t *testing.T) {
	view := testView(2, 1)
	rig := newRig(t, 1, view)

	unknownShard := clusterview.ShardID{NodeIndex: 99, ShardIndex: 0}
	rig.sup.OnNodeFailure(unknownShard)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rig.log.appendedCount())
}

// A node whose storage state is none is never a rebuild target, and
// each skipped evaluation bumps the notstorage counter exactly once.
func TestSupervisor_SkipsNonStorageNode(t *testing.T) {
	nodes := []clusterview.Node{
		{Index: 1, StorageState: clusterview.StorageNone, Location: clusterview.LocationPath{"us", "dc1", "c1", "row1", "rackA"}},
		{Index: 2, StorageState: clusterview.StorageReadWrite, StorageWeight: 10, Location: clusterview.LocationPath{"us", "dc1", "c1", "row1", "rackB"}},
	}
	shards := []clusterview.Shard{{ID: clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}, Weight: 1}}
	view := clusterview.Build(1, nodes, shards)

	rig := newRig(t, 2, view)
	before := testutil.ToFloat64(stats.NodeRebuildingNotTriggeredNotStorage)

	rig.src.Set(1, liveness.Dead)
	waitTracker(t, rig.tracker, 1, liveness.Dead)
	rig.sup.OnNodeFailure(clusterview.ShardID{NodeIndex: 1, ShardIndex: 0})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(stats.NodeRebuildingNotTriggeredNotStorage) == before+1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, rig.log.appendedCount())
}

// Re-observing a SHARD_NEEDS_REBUILD already in the event log never
// fires a second append for the same shard.
func TestSupervisor_IdempotentAgainstEventLog(t *testing.T) {
	view := testView(2, 1)
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}

	rig := newRig(t, 2, view)
	rig.log.seed(eventlog.Record{Type: eventlog.ShardNeedsRebuild, Shard: shard, LogID: 7})
	before := testutil.ToFloat64(stats.ShardRebuildingNotTriggeredStarted)

	rig.src.Set(1, liveness.Dead)
	waitTracker(t, rig.tracker, 1, liveness.Dead)
	rig.sup.OnNodeFailure(shard)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(stats.ShardRebuildingNotTriggeredStarted) > before
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, rig.log.appendedCount())
}

// A node cut off from the event-log quorum observes its peers as dead
// but must not fire: its elector requires a caught-up event log.
func TestSupervisor_IsolatedNodeFiresNothing(t *testing.T) {
	view := testView(3, 2, 3)
	rig := newRig(t, 1, view)
	rig.log.setLeader(false) // minority partition: no quorum, no tail

	rig.kill(view, 2)
	rig.kill(view, 3)
	waitTracker(t, rig.tracker, 3, liveness.Dead)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rig.log.appendedCount())
}

// The majority-side leader rebuilds both of the isolated node's
// shards.
func TestSupervisor_MajorityLeaderFiresForIsolatedNode(t *testing.T) {
	view := testView(3, 1, 1)
	rig := newRig(t, 2, view)
	rig.enum.Index(clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}, 10, clusterview.LogAttributes{LogID: 10})
	rig.enum.Index(clusterview.ShardID{NodeIndex: 1, ShardIndex: 1}, 11, clusterview.LogAttributes{LogID: 11})

	rig.kill(view, 1)
	waitTracker(t, rig.tracker, 1, liveness.Dead)

	require.Eventually(t, func() bool {
		return rig.log.appendedCount() == 2
	}, time.Second, time.Millisecond)
}

// Scenario: with max_rebuilding_trigger_queue_size=1, the second of
// two simultaneous failures trips the throttle; draining the queue
// clears it.
func TestSupervisor_TriggerQueueThrottle(t *testing.T) {
	view := testView(3, 1, 2)
	shardA := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}
	shardB := clusterview.ShardID{NodeIndex: 2, ShardIndex: 0}

	rig := newRig(t, 3, view)
	rig.cfg.set(config.MaxRebuildingTriggerQueueSize, 1)
	rig.cfg.set(config.SelfInitiatedRebuildingGracePeriod, 200*time.Millisecond)
	rig.enum.Index(shardA, 20, clusterview.LogAttributes{LogID: 20})
	rig.enum.Index(shardB, 21, clusterview.LogAttributes{LogID: 21})

	// Both nodes die together, leaving node 3 as trigger leader.
	rig.src.Set(1, liveness.Dead)
	rig.src.Set(2, liveness.Dead)
	waitTracker(t, rig.tracker, 1, liveness.Dead)
	waitTracker(t, rig.tracker, 2, liveness.Dead)

	rig.sup.OnNodeFailure(shardA)
	// Give the first trigger time to occupy the queue, then push the
	// second into the throttle.
	time.Sleep(10 * time.Millisecond)
	rig.sup.OnNodeFailure(shardB)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(stats.RebuildingSupervisorThrottled) == 1
	}, time.Second, time.Millisecond)

	// Only the first trigger ever fires; the throttled one was never
	// scheduled.
	require.Eventually(t, func() bool {
		return rig.log.appendedCount() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, shardA, rig.log.appendedAt(0).Shard)

	// The queue drains once the fire completes, resetting the flag.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(stats.RebuildingSupervisorThrottled) == 0
	}, time.Second, time.Millisecond)
}

// Gate 5: a non-time-ranged rebuilding already in the event log defers
// new triggers until headroom frees up, then the deferred trigger
// fires.
func TestSupervisor_ConcurrencyThresholdDefersThenFires(t *testing.T) {
	view := testView(4, 1, 2)
	shardA := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}
	shardB := clusterview.ShardID{NodeIndex: 2, ShardIndex: 0}

	rig := newRig(t, 1, view)
	rig.cfg.set(config.MaxNodeRebuildingPercentage, 25)
	rig.cfg.set(config.SelfInitiatedRebuildingGracePeriod, 10*time.Millisecond)
	rig.enum.Index(shardB, 30, clusterview.LogAttributes{LogID: 30})

	// Node 1 already rebuilding per the event log: 1/4 nodes = 25%,
	// at threshold.
	rig.log.seed(eventlog.Record{Type: eventlog.ShardNeedsRebuild, Shard: shardA, LogID: 29})

	rig.kill(view, 2)
	waitTracker(t, rig.tracker, 2, liveness.Dead)
	rig.sup.OnNodeFailure(shardB)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rig.log.appendedCount())

	// Node 1's rebuild completes; the deferred trigger re-checks on its
	// next grace interval and fires.
	rig.log.seed(eventlog.Record{Type: eventlog.ShardIsRebuilt, Shard: shardA, Epoch: 2})
	require.Eventually(t, func() bool {
		return rig.log.appendedCount() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, shardB, rig.log.appendedAt(0).Shard)
}

// Mini rebuildings bypass the concurrency count entirely and publish
// records carrying their time ranges.
func TestSupervisor_TimeRangedSkipsConcurrencyGate(t *testing.T) {
	view := testView(4, 1, 2)
	shardA := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}
	shardB := clusterview.ShardID{NodeIndex: 2, ShardIndex: 0}

	rig := newRig(t, 1, view)
	rig.cfg.set(config.MaxNodeRebuildingPercentage, 25)
	rig.enum.Index(shardB, 40, clusterview.LogAttributes{LogID: 40})
	rig.log.seed(eventlog.Record{Type: eventlog.ShardNeedsRebuild, Shard: shardA, LogID: 39})

	rig.src.Set(2, liveness.Dead)
	waitTracker(t, rig.tracker, 2, liveness.Dead)
	ranges := []eventlog.TimeRange{{From: time.Unix(100, 0), To: time.Unix(200, 0)}}
	rig.sup.OnTimeRangedFailure(shardB, ranges)

	require.Eventually(t, func() bool {
		return rig.log.appendedCount() == 1
	}, time.Second, time.Millisecond)
	rec := rig.log.appendedAt(0)
	assert.True(t, rec.TimeRanged())
	require.Len(t, rec.Ranges, 1)
	assert.True(t, rec.Ranges[0].From.Equal(time.Unix(100, 0)))
}

// A local I/O error condemns the shard even though its node is alive.
func TestSupervisor_LocalIOErrorFiresDespiteAliveNode(t *testing.T) {
	view := testView(2, 2)
	shard := clusterview.ShardID{NodeIndex: 2, ShardIndex: 0}

	rig := newRig(t, 1, view)
	rig.enum.Index(shard, 50, clusterview.LogAttributes{LogID: 50})

	rig.sup.OnLocalIOError(shard)

	require.Eventually(t, func() bool {
		return rig.log.appendedCount() == 1
	}, time.Second, time.Millisecond)
	assert.EqualValues(t, ReasonIOError, eventlog.ReasonFromFlags(rig.log.appendedAt(0).Flags))
}

// Losing leadership cancels every pending trigger and resets the
// throttle flag.
func TestSupervisor_LeadershipLossCancelsPending(t *testing.T) {
	view := testView(2, 1)
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}

	rig := newRig(t, 2, view)
	rig.cfg.set(config.SelfInitiatedRebuildingGracePeriod, 100*time.Millisecond)
	rig.enum.Index(shard, 60, clusterview.LogAttributes{LogID: 60})

	rig.src.Set(1, liveness.Dead)
	waitTracker(t, rig.tracker, 1, liveness.Dead)
	rig.sup.OnNodeFailure(shard)

	rig.log.setLeader(false)
	rig.sup.OnLeadershipLost()

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, rig.log.appendedCount())
	assert.Equal(t, float64(0), testutil.ToFloat64(stats.RebuildingSupervisorThrottled))
}

// A suspect node holds its trigger: neither fired nor dropped until
// the failure detector commits to DEAD or ALIVE.
func TestSupervisor_SuspectHoldsTrigger(t *testing.T) {
	view := testView(2, 1)
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}

	rig := newRig(t, 2, view)
	rig.cfg.set(config.SelfInitiatedRebuildingGracePeriod, 10*time.Millisecond)
	rig.enum.Index(shard, 70, clusterview.LogAttributes{LogID: 70})

	rig.src.Set(1, liveness.Dead)
	waitTracker(t, rig.tracker, 1, liveness.Dead)
	rig.sup.OnNodeFailure(shard)
	rig.src.Set(1, liveness.Suspect)
	waitTracker(t, rig.tracker, 1, liveness.Suspect)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rig.log.appendedCount())

	rig.src.Set(1, liveness.Dead)
	waitTracker(t, rig.tracker, 1, liveness.Dead)
	require.Eventually(t, func() bool {
		return rig.log.appendedCount() == 1
	}, time.Second, time.Millisecond)
}

// The enable switch gates scheduling entirely.
func TestSupervisor_DisabledDoesNothing(t *testing.T) {
	view := testView(2, 1)
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}

	rig := newRig(t, 2, view)
	rig.cfg.set(config.EnableSelfInitiatedRebuilding, false)

	rig.src.Set(1, liveness.Dead)
	waitTracker(t, rig.tracker, 1, liveness.Dead)
	rig.sup.OnNodeFailure(shard)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rig.log.appendedCount())
}
