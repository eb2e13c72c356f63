// Package supervisor implements the rebuilding supervisor: the
// leader-elected control loop that watches for shard failures and
// publishes SHARD_NEEDS_REBUILD decisions to the event log once every
// pre-fire gate has passed.
//
// Work is sharded across a fixed pool of single-threaded event loops,
// one inbox channel per worker, indexed by shard_index modulo worker
// count, so each worker only ever touches the triggers it owns and
// never needs a lock.
package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seaweedfs/placement/internal/clusterview"
	"github.com/seaweedfs/placement/internal/config"
	"github.com/seaweedfs/placement/internal/enumerator"
	"github.com/seaweedfs/placement/internal/epochmeta"
	"github.com/seaweedfs/placement/internal/eventlog"
	"github.com/seaweedfs/placement/internal/glog"
	"github.com/seaweedfs/placement/internal/liveness"
	"github.com/seaweedfs/placement/internal/metahash"
	"github.com/seaweedfs/placement/internal/stats"
)

type msgKind int

const (
	msgFailed msgKind = iota
	msgRecovered
	msgGraceElapsed
	msgObserved
	msgLeadershipLost
)

type message struct {
	kind   msgKind
	shard  clusterview.ShardID
	reason TriggerReason
	ranges []eventlog.TimeRange
}

// EventLog is the subset of *eventlog.EventLog the supervisor depends
// on, kept as an interface so tests can substitute a fake rather than
// standing up a real raft cluster.
type EventLog interface {
	IsLeader() bool
	Tail(shard clusterview.ShardID) []eventlog.Record
	RebuildingNodes() map[clusterview.NodeIndex]struct{}
	Append(r eventlog.Record, timeout time.Duration) error
	AppendIfConfigMatches(r eventlog.Record, meta *clusterview.EpochMetadata, nodesConfigHash uint64, timeout time.Duration) error
}

// Supervisor is the rebuilding control loop for one cluster node.
type Supervisor struct {
	cfg       config.Surface
	selfIndex clusterview.NodeIndex
	liveness  *liveness.Tracker
	log       EventLog
	enum      enumerator.Enumerator
	metaStore *epochmeta.Store
	elector   *LeaderElector

	workers int
	inboxes []chan message

	view atomic.Pointer[clusterview.View]

	queueSize atomic.Int64
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithWorkers overrides the default worker-pool size.
func WithWorkers(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.workers = n
		}
	}
}

// New builds a Supervisor. The caller owns view updates via SetView and
// must call Start before any OnNodeFailure/OnNodeRecovered call has
// effect.
func New(cfg config.Surface, selfIndex clusterview.NodeIndex, liv *liveness.Tracker, log EventLog, enum enumerator.Enumerator, metaStore *epochmeta.Store, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		selfIndex: selfIndex,
		liveness:  liv,
		log:       log,
		enum:      enum,
		metaStore: metaStore,
		workers:   8,
	}
	s.elector = &LeaderElector{SelfIndex: selfIndex, Liveness: liv, Tail: eventLogTailChecker{log}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type eventLogTailChecker struct{ log EventLog }

func (c eventLogTailChecker) CaughtUp() bool {
	if c.log == nil {
		return true
	}
	return c.log.IsLeader()
}

// SetView installs the current cluster view. Workers read it lock-free
// on every message they process.
func (s *Supervisor) SetView(v *clusterview.View) {
	s.view.Store(v)
}

func (s *Supervisor) currentView() *clusterview.View {
	return s.view.Load()
}

// Start launches the worker pool. Cancel ctx to stop every worker.
func (s *Supervisor) Start(ctx context.Context) *errgroup.Group {
	g, ctx := errgroup.WithContext(ctx)
	s.inboxes = make([]chan message, s.workers)
	for i := 0; i < s.workers; i++ {
		ch := make(chan message, 256)
		s.inboxes[i] = ch
		g.Go(func() error {
			s.runWorker(ctx, ch)
			return nil
		})
	}
	return g
}

func (s *Supervisor) workerFor(shard clusterview.ShardID) int {
	if s.workers <= 0 {
		return 0
	}
	return int(shard.ShardIndex) % s.workers
}

func (s *Supervisor) send(m message) {
	ch := s.inboxes[s.workerFor(m.shard)]
	select {
	case ch <- m:
	default:
		glog.Warningf("supervisor: inbox full, dropping %v for shard %s", m.kind, m.shard)
	}
}

// broadcast delivers a message to every worker, for events that are
// not scoped to one shard.
func (s *Supervisor) broadcast(m message) {
	for _, ch := range s.inboxes {
		select {
		case ch <- m:
		default:
			glog.Warningf("supervisor: inbox full, dropping broadcast %v", m.kind)
		}
	}
}

// OnNodeFailure notifies the supervisor that a shard's owning node has
// been declared DEAD by the failure detector.
func (s *Supervisor) OnNodeFailure(shard clusterview.ShardID) {
	s.send(message{kind: msgFailed, shard: shard, reason: ReasonDeadNode})
}

// OnShardCorrupted notifies the supervisor that the local storage
// engine found the shard's metadata corrupt at startup.
func (s *Supervisor) OnShardCorrupted(shard clusterview.ShardID) {
	s.send(message{kind: msgFailed, shard: shard, reason: ReasonCorrupted})
}

// OnLocalIOError notifies the supervisor that the local storage engine
// hit a read or write I/O error on the shard.
func (s *Supervisor) OnLocalIOError(shard clusterview.ShardID) {
	s.send(message{kind: msgFailed, shard: shard, reason: ReasonIOError})
}

// OnMissingCompletionMetadata notifies the supervisor that the shard
// came up after a generation bump without its rebuilding-complete
// marker.
func (s *Supervisor) OnMissingCompletionMetadata(shard clusterview.ShardID) {
	s.send(message{kind: msgFailed, shard: shard, reason: ReasonMissingCompletionMetadata})
}

// OnTimeRangedFailure schedules a mini rebuilding covering only the
// given time ranges; such triggers do not count against the
// concurrency threshold.
func (s *Supervisor) OnTimeRangedFailure(shard clusterview.ShardID, ranges []eventlog.TimeRange) {
	s.send(message{kind: msgFailed, shard: shard, reason: ReasonTimeRanged, ranges: ranges})
}

// OnNodeRecovered notifies the supervisor that a shard's owning node is
// alive again, canceling any outstanding scheduled trigger.
func (s *Supervisor) OnNodeRecovered(shard clusterview.ShardID) {
	s.send(message{kind: msgRecovered, shard: shard})
}

// OnRebuildObserved notifies the supervisor that the published record
// for a shard has been observed in the event-log tail, returning the
// trigger to Idle.
func (s *Supervisor) OnRebuildObserved(shard clusterview.ShardID) {
	s.send(message{kind: msgObserved, shard: shard})
}

// OnLeadershipLost cancels every pending trigger on every worker and
// clears the throttled flag; a node that stopped being leader must not
// fire decisions computed while it still was.
func (s *Supervisor) OnLeadershipLost() {
	s.broadcast(message{kind: msgLeadershipLost})
}

// incQueue and decQueue account the distinct-scheduled-trigger count
// behind the queue-size gauge and the throttled flag; the flag resets
// as soon as the queue shrinks back below threshold, not only when the
// next trigger arrives.
func (s *Supervisor) incQueue() {
	stats.TriggerQueueSize.Set(float64(s.queueSize.Add(1)))
}

func (s *Supervisor) decQueue() {
	n := s.queueSize.Add(-1)
	stats.TriggerQueueSize.Set(float64(n))
	if limit := s.cfg.GetInt(config.MaxRebuildingTriggerQueueSize); limit <= 0 || int(n) < limit {
		stats.RebuildingSupervisorThrottled.Set(0)
	}
}

// runWorker owns one shard of the trigger state: every trigger and
// timer it touches belongs exclusively to this goroutine.
func (s *Supervisor) runWorker(ctx context.Context, inbox chan message) {
	triggers := make(map[clusterview.ShardID]*trigger)
	timers := make(map[clusterview.ShardID]*time.Timer)

	for {
		select {
		case <-ctx.Done():
			for _, timer := range timers {
				timer.Stop()
			}
			return
		case m := <-inbox:
			s.handle(ctx, m, triggers, timers)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, m message, triggers map[clusterview.ShardID]*trigger, timers map[clusterview.ShardID]*time.Timer) {
	shard := m.shard
	view := s.currentView()

	dropScheduled := func(t *trigger) {
		if timer, ok := timers[shard]; ok {
			timer.Stop()
			delete(timers, shard)
		}
		if err := t.moveTo(Idle); err != nil {
			glog.Warningf("supervisor: %v", err)
		}
		s.decQueue()
	}

	armGrace := func() {
		grace := s.cfg.GetDuration(config.SelfInitiatedRebuildingGracePeriod)
		stats.GracePeriodTimer(shard.String(), float32(grace.Seconds()))
		timers[shard] = time.AfterFunc(grace, func() {
			s.send(message{kind: msgGraceElapsed, shard: shard})
		})
	}

	switch m.kind {
	case msgFailed:
		if !s.cfg.GetBool(config.EnableSelfInitiatedRebuilding) {
			return
		}
		t, exists := triggers[shard]
		if !exists {
			t = &trigger{state: Idle}
			triggers[shard] = t
		}
		if t.state != Idle {
			return
		}
		if view == nil || !s.elector.IsLeader(view) {
			return
		}
		if r := gate1NotInConfig(view, shard); r.blocked {
			return
		}
		if r := gate3NotStorageNode(view, shard); r.blocked {
			return
		}
		if r := gate4AlreadyInProgress(s.rebuildInProgress(shard)); r.blocked {
			return
		}
		if r := gate6TriggerQueueThrottle(int(s.queueSize.Load()), s.cfg.GetInt(config.MaxRebuildingTriggerQueueSize)); r.blocked {
			glog.V(1).Infof("supervisor: throttled, not scheduling %s (%s)", shard, m.reason)
			return
		}

		if err := t.moveTo(Scheduled); err != nil {
			glog.Warningf("supervisor: %v", err)
			return
		}
		t.reason = m.reason
		t.ranges = m.ranges
		s.incQueue()
		armGrace()

	case msgRecovered:
		t, ok := triggers[shard]
		if !ok || t.state != Scheduled {
			return
		}
		if t.reason.localFault() {
			// The host looking alive does not fix a broken shard.
			return
		}
		dropScheduled(t)

	case msgGraceElapsed:
		t, ok := triggers[shard]
		if !ok || t.state != Scheduled {
			return
		}
		delete(timers, shard)

		if view == nil || !s.elector.IsLeader(view) {
			dropScheduled(t)
			return
		}
		if !t.reason.localFault() && s.liveness != nil && s.liveness.State(uint16(shard.NodeIndex)) == liveness.Suspect {
			// Hold through suspect: neither fire nor drop until the
			// failure detector commits to DEAD or ALIVE.
			armGrace()
			return
		}
		if r := gate2NodeAliveAgain(s.liveness == nil || s.liveness.IsDead(uint16(shard.NodeIndex)), t.reason); r.blocked {
			dropScheduled(t)
			return
		}
		if r := gate1NotInConfig(view, shard); r.blocked {
			dropScheduled(t)
			return
		}
		if r := gate3NotStorageNode(view, shard); r.blocked {
			dropScheduled(t)
			return
		}
		if r := gate4AlreadyInProgress(s.rebuildInProgress(shard)); r.blocked {
			dropScheduled(t)
			return
		}
		if !t.timeRanged() {
			maxPct := s.cfg.GetInt(config.MaxNodeRebuildingPercentage)
			if r := gate5ConcurrencyThreshold(s.rebuildingNodesInConfig(view), view.TotalStorageNodes(), maxPct); r.blocked {
				// Defer rather than drop; the node is still dead and
				// still needs rebuilding once headroom frees up.
				armGrace()
				return
			}
		}

		if err := t.moveTo(Firing); err != nil {
			glog.Warningf("supervisor: %v", err)
			return
		}
		t.fireID = uuid.New()
		go s.fire(ctx, shard, t, view)

	case msgObserved:
		t, ok := triggers[shard]
		if !ok || t.state != Firing {
			return
		}
		t.moveTo(Observed)
		t.moveTo(Idle)
		s.decQueue()

	case msgLeadershipLost:
		for sh, t := range triggers {
			if t.state == Scheduled {
				if timer, ok := timers[sh]; ok {
					timer.Stop()
					delete(timers, sh)
				}
				t.moveTo(Idle)
				s.decQueue()
			}
		}
		stats.RebuildingSupervisorThrottled.Set(0)
	}
}

// rebuildInProgress checks the event log's tail for an unacknowledged
// SHARD_NEEDS_REBUILD on this shard — gate 4.
func (s *Supervisor) rebuildInProgress(shard clusterview.ShardID) bool {
	if s.log == nil {
		return false
	}
	tail := s.log.Tail(shard)
	for i := len(tail) - 1; i >= 0; i-- {
		switch tail[i].Type {
		case eventlog.ShardNeedsRebuild:
			return true
		case eventlog.ShardIsRebuilt, eventlog.ShardAbortRebuild:
			return false
		}
	}
	return false
}

// rebuildingNodesInConfig counts the nodes the event log shows a
// non-time-ranged rebuilding in progress for, excluding nodes that
// have since left the configuration — gate 5's numerator.
func (s *Supervisor) rebuildingNodesInConfig(view *clusterview.View) int {
	if s.log == nil {
		return 0
	}
	n := 0
	for idx := range s.log.RebuildingNodes() {
		if view.HasNode(idx) {
			n++
		}
	}
	return n
}

// fire enumerates every log affected by the failed shard and publishes
// a SHARD_NEEDS_REBUILD record for each, then reports completion back
// to the owning worker so the trigger can move to Observed.
func (s *Supervisor) fire(ctx context.Context, shard clusterview.ShardID, t *trigger, view *clusterview.View) {
	defer s.OnRebuildObserved(shard)

	if s.enum == nil || s.log == nil {
		return
	}
	fireID, reason, ranges := t.fireID, t.reason, t.ranges

	done := make(chan struct{})
	s.enum.Enumerate(ctx, enumerator.FailedShard{Shard: shard, DetectedAt: time.Now()}, func(_ clusterview.ShardID, res enumerator.Result, err error) {
		defer close(done)
		if err != nil {
			glog.Errorf("supervisor: fire %s: enumeration failed for shard %s: %v", fireID, shard, err)
			return
		}
		hash := metahash.Compute(viewNodes(view))
		timeout := s.cfg.GetDuration(config.EventLogGracePeriod)
		flags := eventlog.FlagsWithReason(0, uint32(reason))
		if len(ranges) > 0 {
			flags |= eventlog.FlagTimeRanged
		}
		fired := 0
		for _, entry := range res.Entries {
			rec := eventlog.Record{
				Type:       eventlog.ShardNeedsRebuild,
				Shard:      shard,
				LogID:      entry.LogID,
				Flags:      flags,
				SourceNode: s.selfIndex,
				Ranges:     ranges,
			}
			meta := s.metaStore.Get(entry.LogID)
			var appendErr error
			if meta != nil {
				appendErr = s.log.AppendIfConfigMatches(rec, meta, hash, timeout)
			} else {
				appendErr = s.log.Append(rec, timeout)
			}
			if appendErr != nil {
				glog.Warningf("supervisor: fire %s: failed to publish SHARD_NEEDS_REBUILD for log %d shard %s: %v", fireID, entry.LogID, shard, appendErr)
				continue
			}
			fired++
		}
		if fired > 0 {
			stats.ShardRebuildingTriggered.Inc()
		}
		if res.MaxSkippedBacklog > 0 {
			glog.V(1).Infof("supervisor: fire %s: shard %s must hold SHARD_IS_REBUILT for %v of skipped data-log backlog", fireID, shard, res.MaxSkippedBacklog)
		}
	})

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func viewNodes(view *clusterview.View) []clusterview.Node {
	nodes := view.Nodes()
	out := make([]clusterview.Node, len(nodes))
	for i, n := range nodes {
		out[i] = *n
	}
	return out
}
