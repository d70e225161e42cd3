package planner

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// FailureLedger receives every shard result and decides what is resubmitted.
type FailureLedger interface {
	Record(res ShardResult)
}

// MultiLedger forwards every result to each ledger in turn.
type MultiLedger []FailureLedger

func (m MultiLedger) Record(res ShardResult) {
	for _, l := range m {
		if l != nil {
			l.Record(res)
		}
	}
}

// MemoryLedger tracks the latest result per (model, resource, configuration)
// and allows a failed shard at most MaxResubmits further attempts.
type MemoryLedger struct {
	MaxResubmits int

	mu      sync.Mutex
	order   []string
	entries map[string]ShardResult
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger(maxResubmits int) *MemoryLedger {
	return &MemoryLedger{MaxResubmits: maxResubmits, entries: make(map[string]ShardResult)}
}

func signature(s Shard) string {
	return s.Model + "|" + string(s.Resource) + "|" + s.Config.Key()
}

func (l *MemoryLedger) Record(res ShardResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries == nil {
		l.entries = make(map[string]ShardResult)
	}
	key := signature(res.Shard)
	prev, seen := l.entries[key]
	if !seen {
		l.order = append(l.order, key)
	} else if prev.Shard.Attempt > res.Shard.Attempt {
		// A late result from an older attempt.
		return
	}
	l.entries[key] = res
}

// Resubmittable returns fresh pending copies of failed shards that still
// have budget left, with Attempt incremented and Instances reduced to the
// units whose results were not persisted.
func (l *MemoryLedger) Resubmittable() []Shard {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Shard
	for _, key := range l.order {
		res := l.entries[key]
		if !res.Failed() || res.Shard.Attempt >= l.MaxResubmits {
			continue
		}
		remaining := res.Shard.Instances - res.Completed
		if remaining <= 0 {
			continue
		}
		s := res.Shard
		s.Instances = remaining
		s.ID = ulid.Make().String()
		s.Status = StatusPending
		s.Attempt++
		out = append(out, s)
	}
	return out
}

// Exhausted returns the latest results of failed shards with no budget or
// no unrecorded units left.
func (l *MemoryLedger) Exhausted() []ShardResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ShardResult
	for _, key := range l.order {
		res := l.entries[key]
		if res.Failed() && (res.Shard.Attempt >= l.MaxResubmits || res.Completed >= res.Shard.Instances) {
			out = append(out, res)
		}
	}
	return out
}

// Len reports how many distinct shards the ledger has seen.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
