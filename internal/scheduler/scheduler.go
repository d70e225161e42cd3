// Package scheduler serializes work per scarce resource while running
// different resources in parallel.
//
// A Scheduler owns one FIFO queue and one worker goroutine per resource id.
// Jobs submitted for the same resource run strictly in submission order, one
// at a time; jobs for different resources run concurrently. A failing or
// panicking job is recorded as a failed Outcome and never stops its worker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/keyshard/internal/metrics"
)

// ErrShutdown is returned by Submit after Shutdown.
var ErrShutdown = errors.New("scheduler is shut down")

// Func is a unit of scheduled work.
type Func func(ctx context.Context) error

// State is a resource worker's lifecycle state.
type State int

const (
	Idle State = iota
	Busy
)

func (s State) String() string {
	if s == Busy {
		return "busy"
	}
	return "idle"
}

// Outcome records how a job finished.
type Outcome struct {
	JobID      string
	ResourceID string
	Err        error
	Started    time.Time
	Finished   time.Time
}

// Failed reports whether the job returned an error or panicked.
func (o Outcome) Failed() bool { return o.Err != nil }

type job struct {
	id       string
	resource string
	fn       Func
}

type keyQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []job
	state atomic.Int32
}

func newKeyQueue() *keyQueue {
	q := &keyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *keyQueue) push(j job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *keyQueue) pop() job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	j := q.items[0]
	q.items[0] = job{}
	q.items = q.items[1:]
	return j
}

// Options configures a Scheduler.
type Options struct {
	Logger *zap.Logger
	// Context is passed to every job; cancelling it does not stop workers.
	Context context.Context
}

// Scheduler runs jobs on per-resource workers.
type Scheduler struct {
	ctx    context.Context
	logger *zap.Logger

	mu       sync.Mutex
	queues   map[string]*keyQueue
	outcomes map[string]Outcome
	order    []string
	closed   bool
	workers  sync.WaitGroup

	pendingMu sync.Mutex
	pending   int
	idle      *sync.Cond
}

// New creates an empty scheduler. Workers start lazily per resource.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	s := &Scheduler{
		ctx:      opts.Context,
		logger:   opts.Logger,
		queues:   make(map[string]*keyQueue),
		outcomes: make(map[string]Outcome),
	}
	s.idle = sync.NewCond(&s.pendingMu)
	return s
}

// Submit enqueues fn on the resource's queue and returns immediately.
func (s *Scheduler) Submit(jobID, resourceID string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("job %s: nil func", jobID)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.record(Outcome{JobID: jobID, ResourceID: resourceID, Err: ErrShutdown, Finished: time.Now()})
		return ErrShutdown
	}
	q, ok := s.queues[resourceID]
	if !ok {
		q = newKeyQueue()
		s.queues[resourceID] = q
		s.workers.Add(1)
		go s.work(resourceID, q)
		s.logger.Debug("started resource worker", zap.String("resource", resourceID))
	}
	s.pendingMu.Lock()
	s.pending++
	s.pendingMu.Unlock()
	// Pushed under s.mu so a concurrent Shutdown's sentinel lands behind it.
	q.push(job{id: jobID, resource: resourceID, fn: fn})
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) work(resourceID string, q *keyQueue) {
	defer s.workers.Done()
	for {
		j := q.pop()
		if j.fn == nil {
			s.logger.Debug("stopped resource worker", zap.String("resource", resourceID))
			return
		}
		q.state.Store(int32(Busy))
		out := s.run(j)
		s.record(out)
		q.mu.Lock()
		if len(q.items) == 0 {
			q.state.Store(int32(Idle))
		}
		q.mu.Unlock()
		s.done()
	}
}

func (s *Scheduler) run(j job) (out Outcome) {
	out = Outcome{JobID: j.id, ResourceID: j.resource, Started: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("job %s panicked: %v", j.id, r)
		}
		out.Finished = time.Now()
		metrics.RecordSchedulerJob(j.resource, out.Err != nil)
		if out.Err != nil {
			s.logger.Warn("scheduled job failed",
				zap.String("job", j.id),
				zap.String("resource", j.resource),
				zap.Error(out.Err))
		}
	}()
	out.Err = j.fn(s.ctx)
	return out
}

func (s *Scheduler) record(out Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.outcomes[out.JobID]; !seen {
		s.order = append(s.order, out.JobID)
	}
	s.outcomes[out.JobID] = out
}

func (s *Scheduler) done() {
	s.pendingMu.Lock()
	s.pending--
	if s.pending == 0 {
		s.idle.Broadcast()
	}
	s.pendingMu.Unlock()
}

// WaitAll blocks until every submitted job has finished.
func (s *Scheduler) WaitAll() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for s.pending > 0 {
		s.idle.Wait()
	}
}

// Shutdown lets every queue drain, then stops all workers. Later Submit
// calls fail with ErrShutdown. It is safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queues := make([]*keyQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, q := range queues {
		q.push(job{})
	}
	s.workers.Wait()
}

// Outcome returns the recorded outcome of a job.
func (s *Scheduler) Outcome(jobID string) (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outcomes[jobID]
	return out, ok
}

// Outcomes returns every recorded outcome in first-recorded order.
func (s *Scheduler) Outcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	outs := make([]Outcome, 0, len(s.order))
	for _, id := range s.order {
		outs = append(outs, s.outcomes[id])
	}
	return outs
}

// State reports whether the resource's worker is currently draining jobs.
func (s *Scheduler) State(resourceID string) State {
	s.mu.Lock()
	q, ok := s.queues[resourceID]
	s.mu.Unlock()
	if !ok {
		return Idle
	}
	return State(q.state.Load())
}

// Resources lists the resource ids that have a worker.
func (s *Scheduler) Resources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var (
	defaultScheduler atomic.Pointer[Scheduler]
	defaultMu        sync.Mutex
)

// Default returns the process-wide scheduler, creating it on first use.
func Default() *Scheduler {
	if s := defaultScheduler.Load(); s != nil {
		return s
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if s := defaultScheduler.Load(); s != nil {
		return s
	}
	s := New(Options{Logger: zap.L()})
	defaultScheduler.Store(s)
	return s
}

// ResetDefault shuts down the process-wide scheduler, if any, and clears it
// so the next Default call builds a fresh one.
func ResetDefault() {
	defaultMu.Lock()
	s := defaultScheduler.Swap(nil)
	defaultMu.Unlock()
	if s != nil {
		s.Shutdown()
	}
}
