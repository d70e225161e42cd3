package planner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLedgerResubmitsWithinBudget(t *testing.T) {
	shards, err := New(poolClassifier(2)).Plan(Job{Model: "pool-small", Configurations: configs(2), Instances: 3})
	require.NoError(t, err)

	l := NewMemoryLedger(2)
	l.Record(ShardResult{Shard: shards[0], Status: StatusFailed, Err: errors.New("timeout")})
	l.Record(ShardResult{Shard: shards[1], Status: StatusDone})

	retry := l.Resubmittable()
	require.Len(t, retry, 1)
	require.Equal(t, 1, retry[0].Attempt)
	require.Equal(t, StatusPending, retry[0].Status)
	require.NotEqual(t, shards[0].ID, retry[0].ID)
	require.Equal(t, shards[0].Resource, retry[0].Resource)
	require.Equal(t, shards[0].Instances, retry[0].Instances)

	// Second failure still has budget, the third exhausts it.
	l.Record(ShardResult{Shard: retry[0], Status: StatusFailed, Err: errors.New("timeout")})
	retry = l.Resubmittable()
	require.Len(t, retry, 1)
	require.Equal(t, 2, retry[0].Attempt)

	l.Record(ShardResult{Shard: retry[0], Status: StatusFailed, Err: errors.New("timeout")})
	require.Empty(t, l.Resubmittable())
	require.Len(t, l.Exhausted(), 1)
	require.Equal(t, 2, l.Len())
}

func TestLedgerSuccessClearsFailure(t *testing.T) {
	shards, err := New(nil).Plan(Job{Model: "claude-sonnet", Instances: 3})
	require.NoError(t, err)

	l := NewMemoryLedger(3)
	l.Record(ShardResult{Shard: shards[0], Status: StatusFailed, Err: errors.New("crash")})
	retry := l.Resubmittable()
	require.Len(t, retry, 1)

	l.Record(ShardResult{Shard: retry[0], Status: StatusDone})
	require.Empty(t, l.Resubmittable())
	require.Empty(t, l.Exhausted())
}

func TestLedgerIgnoresStaleAttempts(t *testing.T) {
	shards, err := New(nil).Plan(Job{Model: "claude-sonnet", Instances: 3})
	require.NoError(t, err)

	l := NewMemoryLedger(3)
	newer := shards[0]
	newer.Attempt = 2
	l.Record(ShardResult{Shard: newer, Status: StatusDone})
	l.Record(ShardResult{Shard: shards[0], Status: StatusFailed, Err: errors.New("late")})
	require.Empty(t, l.Resubmittable())
}

func TestLedgerZeroBudget(t *testing.T) {
	shards, err := New(nil).Plan(Job{Model: "claude-sonnet", Instances: 1})
	require.NoError(t, err)

	var l MemoryLedger
	l.Record(ShardResult{Shard: shards[0], Status: StatusFailed, Err: errors.New("crash")})
	require.Empty(t, l.Resubmittable())
	require.Len(t, l.Exhausted(), 1)
}

func TestMultiLedgerFansOut(t *testing.T) {
	a, b := NewMemoryLedger(1), NewMemoryLedger(1)
	m := MultiLedger{a, nil, b}
	m.Record(ShardResult{Shard: Shard{Model: "claude-sonnet"}, Status: StatusDone})
	require.Equal(t, 1, a.Len())
	require.Equal(t, 1, b.Len())
}

func TestLedgerResubmitsOnlyUnrecordedUnits(t *testing.T) {
	shards, err := New(nil).Plan(Job{Model: "claude-sonnet", Instances: 10})
	require.NoError(t, err)

	l := NewMemoryLedger(2)
	l.Record(ShardResult{Shard: shards[0], Status: StatusFailed, Err: errors.New("1 of 10 units errored"), Completed: 9})

	retry := l.Resubmittable()
	require.Len(t, retry, 1)
	require.Equal(t, 1, retry[0].Instances)

	// A failed shard whose units were all recorded has nothing left to run.
	l.Record(ShardResult{Shard: retry[0], Status: StatusFailed, Err: errors.New("late"), Completed: 1})
	require.Empty(t, l.Resubmittable())
	require.Len(t, l.Exhausted(), 1)
}
