package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/keyshard/internal/planner"
)

// Progress counts finished shards. It satisfies planner.FailureLedger so a
// dispatcher can feed it directly.
type Progress struct {
	total  int64
	done   atomic.Int64
	failed atomic.Int64
}

// NewProgress tracks a run of total shards.
func NewProgress(total int) *Progress {
	return &Progress{total: int64(total)}
}

func (p *Progress) Record(res planner.ShardResult) {
	if res.Failed() {
		p.failed.Add(1)
		return
	}
	p.done.Add(1)
}

// Grow adds n shards to the expected total, for resubmission rounds.
func (p *Progress) Grow(n int) {
	atomic.AddInt64(&p.total, int64(n))
}

// Counts returns finished, failed and total shard counts.
func (p *Progress) Counts() (done, failed, total int64) {
	return p.done.Load(), p.failed.Load(), atomic.LoadInt64(&p.total)
}

// ProgressReporter displays real-time progress updates.
type ProgressReporter struct {
	progress *Progress
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	writer   io.Writer
	active   int32
	start    time.Time
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(progress *Progress, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		progress: progress,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		writer:   writer,
		start:    time.Now(),
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates and prints a final line.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
		fmt.Fprintln(p.writer, p.line())
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, p.line())
		case <-p.done:
			return
		}
	}
}

func (p *ProgressReporter) line() string {
	done, failed, total := p.progress.Counts()
	return fmt.Sprintf("\rShards: %d/%d | Done: %d | Failed: %d | Elapsed: %s",
		done+failed, total, done, failed, time.Since(p.start).Round(time.Second))
}
