// Package enumerator discovers, for a failed shard, every log whose
// data may reside on it and the earliest timestamp each must be
// re-read from — the input the rebuilding supervisor needs before it
// can publish a rebuild trigger. Discovery is storage-backend specific
// (it has to read whatever index maps shards to logs); this package
// defines the interface the supervisor depends on plus an in-memory
// reference implementation.
package enumerator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seaweedfs/placement/internal/clusterview"
	"github.com/seaweedfs/placement/internal/config"
	"github.com/seaweedfs/placement/internal/glog"
)

// FailedShard identifies a shard whose owning node is believed dead and
// needs its logs enumerated.
type FailedShard struct {
	Shard      clusterview.ShardID
	DetectedAt time.Time
	// MinTimestamp bounds a time-ranged rebuild: enumeration never
	// reports a NextTS below it.
	MinTimestamp time.Time
}

// LogEntry is one log discovered for a failed shard. NextTS
// approximates where re-reading should start: the current time minus
// the log's backlog duration, floored at the rebuild's minimum
// timestamp. A log with no backlog (infinite retention) reads from the
// minimum timestamp (zero when unbounded). The value does not have to
// be precise; it exists so the first batch read for a log returns
// records instead of stopping at the first one it sees.
type LogEntry struct {
	LogID      clusterview.LogID
	Attributes clusterview.LogAttributes
	NextTS     time.Time
}

// Result is the complete outcome of one enumeration.
type Result struct {
	Entries []LogEntry
	// MaxSkippedBacklog is the largest backlog duration among data logs
	// skipped because data-log rebuilding is disabled. The supervisor
	// must hold the SHARD_IS_REBUILT marker until that much time has
	// passed, so readers keep counting the shard as rebuilding for
	// F-majority until the skipped logs' data has expired.
	MaxSkippedBacklog time.Duration
}

// Callback receives the result of an Enumerate call. It is invoked
// exactly once, with the complete result (not incrementally).
type Callback func(shard clusterview.ShardID, res Result, err error)

// Enumerator discovers logs affected by a failed shard.
type Enumerator interface {
	// Enumerate kicks off (possibly asynchronous) discovery and invokes
	// cb exactly once with the result.
	Enumerate(ctx context.Context, failed FailedShard, cb Callback)
}

// Mapping answers which logs may have records on a shard. Two
// strategies exist while the legacy per-shard placement is migrated
// out: the legacy mapping assigns each log to a single shard index, so
// only that shard's logs are enumerated; the uniform mapping spreads
// every log across all of a node's shards, so any log indexed to the
// node may touch the failed shard.
type Mapping interface {
	Logs(shard clusterview.ShardID) []IndexedLog
}

// IndexedLog is one (log, attributes) pair held by a mapping.
type IndexedLog struct {
	LogID      clusterview.LogID
	Attributes clusterview.LogAttributes
}

// policy partitions which kinds of logs an enumerator should even
// attempt: internal (control-plane) logs never trigger the node-level
// rebuild path unless configured to, and data-log rebuilding can be
// switched off cluster-wide without affecting metadata logs.
type policy struct {
	skipInternalLogs bool
	skipDataLogs     bool
}

// InMemory is a reference Enumerator backed by a caller-populated
// index. It exists for tests and for small deployments that keep the
// whole mapping in memory; real deployments enumerate against whatever
// persistent index the storage layer maintains.
type InMemory struct {
	mu       sync.RWMutex
	index    map[clusterview.NodeIndex][]nodeLog
	failures map[clusterview.ShardID]int
	policy   policy
	legacy   bool

	// retryBackoff configures the retry schedule used when a storage
	// read fails; tests can shrink it to run fast. The default retries
	// indefinitely with the interval capped at 10 seconds.
	retryBackoff func() backoff.BackOff
}

type nodeLog struct {
	shard clusterview.ShardIndex
	log   IndexedLog
}

var errTransientReadFailure = errors.New("enumerator: transient storage read failure")

// NewInMemory builds an enumerator with production defaults: internal
// logs are skipped, data-log rebuilding is enabled, the uniform
// log-to-shard mapping is in effect, and storage-task retries back off
// exponentially up to 10 seconds, forever.
func NewInMemory() *InMemory {
	return &InMemory{
		index: make(map[clusterview.NodeIndex][]nodeLog),
		policy: policy{
			skipInternalLogs: true,
		},
		retryBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// NewFromConfig builds an enumerator honoring the cluster's data-log
// rebuilding switch and log-to-shard mapping strategy.
func NewFromConfig(cfg config.Surface) *InMemory {
	return NewInMemory().
		WithSkipDataLogs(cfg.GetBool(config.DisableDataLogRebuilding)).
		WithLegacyMapping(cfg.GetBool(config.UseLegacyLogToShardMapping))
}

// WithInternalLogs toggles whether internal/control-plane logs are
// enumerated too.
func (e *InMemory) WithInternalLogs(include bool) *InMemory {
	e.policy.skipInternalLogs = !include
	return e
}

// WithSkipDataLogs toggles whether data logs are skipped — the
// operator's disable_data_log_rebuilding switch. Data logs with no
// backlog (infinite retention) are still enumerated.
func (e *InMemory) WithSkipDataLogs(skip bool) *InMemory {
	e.policy.skipDataLogs = skip
	return e
}

// WithLegacyMapping switches to the legacy log-to-shard mapping, where
// each log lives on exactly one shard index of a node
// (use_legacy_log_to_shard_mapping_in_rebuilding).
func (e *InMemory) WithLegacyMapping(legacy bool) *InMemory {
	e.legacy = legacy
	return e
}

// Index registers that a log places data on the given shard.
func (e *InMemory) Index(shard clusterview.ShardID, logID clusterview.LogID, attrs clusterview.LogAttributes) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.index[shard.NodeIndex] = append(e.index[shard.NodeIndex], nodeLog{
		shard: shard.ShardIndex,
		log:   IndexedLog{LogID: logID, Attributes: attrs},
	})
}

// Logs implements Mapping under whichever strategy is configured.
func (e *InMemory) Logs(shard clusterview.ShardID) []IndexedLog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []IndexedLog
	for _, nl := range e.index[shard.NodeIndex] {
		if e.legacy && nl.shard != shard.ShardIndex {
			continue
		}
		out = append(out, nl.log)
	}
	return out
}

// FailNextRead makes the next storage reads for a shard fail the given
// number of times before succeeding — used by tests to exercise the
// backoff-and-retry path.
func (e *InMemory) FailNextRead(shard clusterview.ShardID, times int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures == nil {
		e.failures = make(map[clusterview.ShardID]int)
	}
	e.failures[shard] = times
}

func (e *InMemory) take(shard clusterview.ShardID) ([]IndexedLog, error) {
	e.mu.Lock()
	if n, ok := e.failures[shard]; ok && n > 0 {
		e.failures[shard] = n - 1
		e.mu.Unlock()
		return nil, errTransientReadFailure
	}
	e.mu.Unlock()
	return e.Logs(shard), nil
}

// Enumerate discovers every log indexed for the given shard, filtering
// by policy, computing each retained log's NextTS, and retrying the
// storage read with capped exponential backoff on transient failure.
// The callback runs on a fresh goroutine, never inline.
func (e *InMemory) Enumerate(ctx context.Context, failed FailedShard, cb Callback) {
	go func() {
		var logs []IndexedLog
		attempt := 0
		op := func() error {
			attempt++
			var err error
			logs, err = e.take(failed.Shard)
			if err != nil {
				glog.V(1).Infof("enumerator: read for shard %s failed (attempt %d): %v, retrying", failed.Shard, attempt, err)
			}
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(e.retryBackoff(), ctx)); err != nil {
			glog.Warningf("enumerator: giving up on shard %s after %d attempts: %v", failed.Shard, attempt, err)
			cb(failed.Shard, Result{}, err)
			return
		}

		now := failed.DetectedAt
		if now.IsZero() {
			now = time.Now()
		}

		var res Result
		internalSkipped, dataSkipped := 0, 0
		for _, l := range logs {
			attrs := l.Attributes
			if e.policy.skipInternalLogs && attrs.IsInternal {
				internalSkipped++
				continue
			}
			if e.policy.skipDataLogs && !attrs.IsMetadata && attrs.Backlog != nil {
				// Skipped, but the shard cannot report rebuilt until the
				// longest-lived skipped log's data has expired.
				if *attrs.Backlog > res.MaxSkippedBacklog {
					res.MaxSkippedBacklog = *attrs.Backlog
				}
				dataSkipped++
				continue
			}
			nextTS := failed.MinTimestamp
			if attrs.Backlog != nil {
				if ts := now.Add(-*attrs.Backlog); ts.After(nextTS) {
					nextTS = ts
				}
			}
			res.Entries = append(res.Entries, LogEntry{LogID: l.LogID, Attributes: attrs, NextTS: nextTS})
		}
		sort.Slice(res.Entries, func(i, j int) bool { return res.Entries[i].LogID < res.Entries[j].LogID })
		glog.V(1).Infof("enumerator: shard %s: skipped %d internal and %d data logs, queued %d for rebuild",
			failed.Shard, internalSkipped, dataSkipped, len(res.Entries))
		cb(failed.Shard, res, nil)
	}()
}
