// Package ratelimit enforces a minimum interval between acquisitions of one
// resource, across goroutines and across processes.
//
// Each resource's last acquisition time lives in a [Backend] that every
// process can read. A limiter waits until 1/qps has passed since the later of
// its own last acquisition and the shared one, then publishes its own time.
// Shared state older than the staleness window is ignored, so a crashed
// process cannot stall the resource. Backend failures never surface to the
// caller: the limiter falls back to process-local spacing and counts the
// degradation.
package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/keyshard/internal/metrics"
)

const (
	// DefaultStaleAfter is how old shared state may be before it is ignored.
	DefaultStaleAfter = 60 * time.Second
	// DefaultLockWait bounds how long Acquire waits for a backend lock.
	DefaultLockWait = 30 * time.Second
	defaultIOTimeout = 2 * time.Second
)

// Options configures limiters created by a Registry.
type Options struct {
	Backend    Backend
	StaleAfter time.Duration
	LockWait   time.Duration
	Logger     *zap.Logger
	// Now and Sleep replace the wall clock in tests.
	Now   func() time.Time
	Sleep func(time.Duration)
}

func (o Options) normalize() Options {
	if o.Backend == nil {
		o.Backend = NewMemoryBackend()
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.LockWait <= 0 {
		o.LockWait = DefaultLockWait
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return o
}

// Limiter throttles one resource.
type Limiter struct {
	id       string
	interval time.Duration
	opts     Options
	pid      int

	// mu is held across the wait so goroutines of this process queue in turn.
	mu       sync.Mutex
	last     time.Time
	degraded atomic.Int64
}

func newLimiter(id string, qps float64, opts Options) *Limiter {
	var interval time.Duration
	if qps > 0 {
		interval = time.Duration(float64(time.Second) / qps)
	}
	return &Limiter{
		id:       id,
		interval: interval,
		opts:     opts,
		pid:      os.Getpid(),
	}
}

// ID returns the resource identifier.
func (l *Limiter) ID() string { return l.id }

// Interval returns the minimum spacing, zero when unlimited.
func (l *Limiter) Interval() time.Duration { return l.interval }

// Degraded reports how many backend operations have failed.
func (l *Limiter) Degraded() int64 { return l.degraded.Load() }

// Acquire blocks until the resource may be used again and returns how long
// it waited. It always completes; the wait is bounded by one interval plus
// any time spent queued behind other acquirers.
func (l *Limiter) Acquire() time.Duration {
	if l.interval <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if locker, ok := l.opts.Backend.(Locker); ok {
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.LockWait)
		unlock, err := locker.Lock(ctx, l.id)
		cancel()
		if err != nil {
			l.degrade("lock", err)
		} else {
			defer unlock()
		}
	}

	ref := l.last
	if shared, ok := l.loadShared(); ok && shared.After(ref) {
		ref = shared
	}

	var wait time.Duration
	if !ref.IsZero() {
		wait = l.interval - l.opts.Now().Sub(ref)
		if wait > l.interval {
			// shared clock ahead of ours
			wait = l.interval
		}
	}
	if wait > 0 {
		l.opts.Sleep(wait)
	} else {
		wait = 0
	}

	now := l.opts.Now()
	l.last = now
	l.storeShared(now)
	metrics.RecordWait(l.id, wait)
	return wait
}

func (l *Limiter) loadShared() (time.Time, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultIOTimeout)
	defer cancel()
	s, ok, err := l.opts.Backend.Load(ctx, l.id)
	if err != nil {
		l.degrade("load", err)
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	t := s.Time()
	if l.opts.Now().Sub(t) > l.opts.StaleAfter {
		l.opts.Logger.Debug("ignoring stale limiter state",
			zap.String("resource", l.id),
			zap.Int("pid", s.PID),
			zap.Time("last_request_time", t))
		return time.Time{}, false
	}
	return t, true
}

func (l *Limiter) storeShared(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultIOTimeout)
	defer cancel()
	if err := l.opts.Backend.Store(ctx, l.id, stateAt(now, l.pid)); err != nil {
		l.degrade("store", err)
	}
}

func (l *Limiter) degrade(op string, err error) {
	l.degraded.Add(1)
	metrics.RecordDegraded(l.id, op)
	l.opts.Logger.Debug("limiter shared state unavailable, using local spacing",
		zap.String("resource", l.id),
		zap.String("op", op),
		zap.Error(err))
}
