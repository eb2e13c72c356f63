package enumerator

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/placement/internal/clusterview"
	"github.com/seaweedfs/placement/internal/config"
)

func fastBackoff() func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxInterval = 5 * time.Millisecond
		b.MaxElapsedTime = 0
		return b
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

func enumerate(t *testing.T, e *InMemory, failed FailedShard) Result {
	t.Helper()
	done := make(chan struct{})
	var got Result
	var gotErr error
	e.Enumerate(context.Background(), failed, func(_ clusterview.ShardID, res Result, err error) {
		got = res
		gotErr = err
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("enumeration did not complete")
	}
	require.NoError(t, gotErr)
	return got
}

func TestEnumerate_ReturnsIndexedLogsSorted(t *testing.T) {
	e := NewInMemory()
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}
	e.Index(shard, 100, clusterview.LogAttributes{LogID: 100})
	e.Index(shard, 50, clusterview.LogAttributes{LogID: 50})

	res := enumerate(t, e, FailedShard{Shard: shard, DetectedAt: time.Now()})
	require.Len(t, res.Entries, 2)
	assert.EqualValues(t, 50, res.Entries[0].LogID)
	assert.EqualValues(t, 100, res.Entries[1].LogID)
}

func TestEnumerate_NextTSFromBacklog(t *testing.T) {
	e := NewInMemory()
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}
	now := time.Now()

	e.Index(shard, 1, clusterview.LogAttributes{LogID: 1, Backlog: durationPtr(time.Hour)})
	e.Index(shard, 2, clusterview.LogAttributes{LogID: 2}) // infinite retention

	res := enumerate(t, e, FailedShard{Shard: shard, DetectedAt: now})
	require.Len(t, res.Entries, 2)
	assert.True(t, res.Entries[0].NextTS.Equal(now.Add(-time.Hour)))
	assert.True(t, res.Entries[1].NextTS.IsZero())
}

func TestEnumerate_MinTimestampFloorsNextTS(t *testing.T) {
	e := NewInMemory()
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}
	now := time.Now()
	floor := now.Add(-10 * time.Minute)

	e.Index(shard, 1, clusterview.LogAttributes{LogID: 1, Backlog: durationPtr(time.Hour)})

	res := enumerate(t, e, FailedShard{Shard: shard, DetectedAt: now, MinTimestamp: floor})
	require.Len(t, res.Entries, 1)
	assert.True(t, res.Entries[0].NextTS.Equal(floor))
}

func TestEnumerate_SkipsInternalLogsByDefault(t *testing.T) {
	e := NewInMemory()
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}
	e.Index(shard, 1, clusterview.LogAttributes{LogID: 1, IsInternal: true})
	e.Index(shard, 2, clusterview.LogAttributes{LogID: 2})

	res := enumerate(t, e, FailedShard{Shard: shard, DetectedAt: time.Now()})
	require.Len(t, res.Entries, 1)
	assert.EqualValues(t, 2, res.Entries[0].LogID)

	e.WithInternalLogs(true)
	res = enumerate(t, e, FailedShard{Shard: shard, DetectedAt: time.Now()})
	assert.Len(t, res.Entries, 2)
}

func TestEnumerate_DisabledDataLogsTrackMaxBacklog(t *testing.T) {
	e := NewInMemory().WithSkipDataLogs(true)
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}

	e.Index(shard, 1, clusterview.LogAttributes{LogID: 1, Backlog: durationPtr(2 * time.Hour)})
	e.Index(shard, 2, clusterview.LogAttributes{LogID: 2, Backlog: durationPtr(6 * time.Hour)})
	e.Index(shard, 3, clusterview.LogAttributes{LogID: 3, IsMetadata: true})

	res := enumerate(t, e, FailedShard{Shard: shard, DetectedAt: time.Now()})
	// Only the metadata log survives; the supervisor must hold
	// SHARD_IS_REBUILT for the longest skipped backlog.
	require.Len(t, res.Entries, 1)
	assert.EqualValues(t, 3, res.Entries[0].LogID)
	assert.Equal(t, 6*time.Hour, res.MaxSkippedBacklog)
}

func TestEnumerate_RetriesTransientFailures(t *testing.T) {
	e := NewInMemory()
	e.retryBackoff = fastBackoff()
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}
	e.Index(shard, 9, clusterview.LogAttributes{LogID: 9})
	e.FailNextRead(shard, 3)

	res := enumerate(t, e, FailedShard{Shard: shard, DetectedAt: time.Now()})
	require.Len(t, res.Entries, 1)
	assert.EqualValues(t, 9, res.Entries[0].LogID)
}

func TestEnumerate_CanceledContextStopsRetrying(t *testing.T) {
	e := NewInMemory()
	e.retryBackoff = fastBackoff()
	shard := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}
	e.FailNextRead(shard, 1<<30)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	e.Enumerate(ctx, FailedShard{Shard: shard, DetectedAt: time.Now()}, func(_ clusterview.ShardID, _ Result, err error) {
		done <- err
	})
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("enumeration did not give up on canceled context")
	}
}

func TestNewFromConfig_WiresSwitches(t *testing.T) {
	e := NewFromConfig(config.New())
	assert.False(t, e.policy.skipDataLogs)
	assert.False(t, e.legacy)

	cfg := config.New()
	cfg.SetDefault(config.DisableDataLogRebuilding, true)
	cfg.SetDefault(config.UseLegacyLogToShardMapping, true)
	e = NewFromConfig(cfg)
	assert.True(t, e.policy.skipDataLogs)
	assert.True(t, e.legacy)
}

func TestMapping_LegacyVsUniform(t *testing.T) {
	e := NewInMemory()
	shard0 := clusterview.ShardID{NodeIndex: 1, ShardIndex: 0}
	shard1 := clusterview.ShardID{NodeIndex: 1, ShardIndex: 1}
	e.Index(shard0, 1, clusterview.LogAttributes{LogID: 1})
	e.Index(shard1, 2, clusterview.LogAttributes{LogID: 2})

	// Uniform mapping: any of the node's logs may touch either shard.
	assert.Len(t, e.Logs(shard0), 2)

	// Legacy mapping: each log lives on exactly one shard index.
	e.WithLegacyMapping(true)
	logs := e.Logs(shard0)
	require.Len(t, logs, 1)
	assert.EqualValues(t, 1, logs[0].LogID)
}
