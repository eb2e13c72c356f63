package eventlog

import (
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/seaweedfs/placement/internal/clusterview"
	"github.com/seaweedfs/placement/internal/glog"
)

// maxTailPerShard bounds how many records each shard's in-memory tail
// retains; older records are dropped from the tail once the cap is hit.
const maxTailPerShard = 256

// FSM applies committed event-log records to an in-memory per-shard
// tail. It implements raft.FSM; a *raft.Raft built over this FSM is
// what internal/supervisor appends rebuild decisions through.
type FSM struct {
	mu   sync.RWMutex
	tail map[clusterview.ShardID][]Record
}

func NewFSM() *FSM {
	return &FSM{tail: make(map[clusterview.ShardID][]Record)}
}

// Apply decodes one record from the raft log entry and appends it to
// that shard's tail, trimming the oldest entries once the cap is hit.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	rec, _, err := Decode(entry.Data)
	if err != nil {
		glog.Errorf("eventlog: dropping malformed log entry at index %d: %v", entry.Index, err)
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tail[rec.Shard]
	t = append(t, rec)
	if len(t) > maxTailPerShard {
		t = t[len(t)-maxTailPerShard:]
	}
	f.tail[rec.Shard] = t
	return rec
}

// Tail returns a shard's applied records in append order.
func (f *FSM) Tail(shard clusterview.ShardID) []Record {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Record, len(f.tail[shard]))
	copy(out, f.tail[shard])
	return out
}

// RebuildingNodes returns the nodes with at least one shard whose tail
// currently ends in an unresolved, non-time-ranged ShardNeedsRebuild —
// the population the supervisor's concurrency-threshold gate counts.
// Mini (time-ranged) rebuildings are excluded.
func (f *FSM) RebuildingNodes() map[clusterview.NodeIndex]struct{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[clusterview.NodeIndex]struct{})
	for shard, records := range f.tail {
	scan:
		for i := len(records) - 1; i >= 0; i-- {
			switch records[i].Type {
			case ShardNeedsRebuild:
				if !records[i].TimeRanged() {
					out[shard.NodeIndex] = struct{}{}
				}
				break scan
			case ShardIsRebuilt, ShardAbortRebuild:
				break scan
			}
		}
	}
	return out
}

// LatestEpoch returns the highest Epoch seen on a ShardIsRebuilt record
// for shard, or 0 if none.
func (f *FSM) LatestEpoch(shard clusterview.ShardID) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var epoch uint64
	for _, r := range f.tail[shard] {
		if r.Type == ShardIsRebuilt && r.Epoch > epoch {
			epoch = r.Epoch
		}
	}
	return epoch
}

// fsmSnapshot is a point-in-time copy of every shard's tail, encoded in
// the same length-prefixed record format used on the wire.
type fsmSnapshot struct {
	records []Record
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	defer sink.Close()
	if _, err := sink.Write(EncodeHeader()); err != nil {
		sink.Cancel()
		return err
	}
	for _, r := range s.records {
		if _, err := sink.Write(Encode(r)); err != nil {
			sink.Cancel()
			return err
		}
	}
	return nil
}

func (s *fsmSnapshot) Release() {}

// Snapshot captures every shard's current tail, ordered by shard for a
// deterministic snapshot byte stream across nodes.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	shards := make([]clusterview.ShardID, 0, len(f.tail))
	for s := range f.tail {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].Less(shards[j]) })

	var records []Record
	for _, s := range shards {
		records = append(records, f.tail[s]...)
	}
	return &fsmSnapshot{records: records}, nil
}

// Restore replaces the FSM's state with the contents of a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}

	tail := make(map[clusterview.ShardID][]Record)
	if len(data) > 0 {
		records, err := DecodeAll(data)
		if err != nil {
			return err
		}
		for _, r := range records {
			t := tail[r.Shard]
			t = append(t, r)
			if len(t) > maxTailPerShard {
				t = t[len(t)-maxTailPerShard:]
			}
			tail[r.Shard] = t
		}
	}

	f.mu.Lock()
	f.tail = tail
	f.mu.Unlock()
	return nil
}
