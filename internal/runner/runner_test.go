package runner_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/torosent/keyshard/internal/aggregate"
	"github.com/torosent/keyshard/internal/metrics"
	"github.com/torosent/keyshard/internal/runner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExecutor simulates executing a unit with fixed latency.
type fakeExecutor struct {
	latency time.Duration
	calls   *int64
	passIf  func(u runner.Unit) bool
}

func (f *fakeExecutor) Execute(ctx context.Context, u runner.Unit) (aggregate.Result, error) {
	if f.calls != nil {
		atomic.AddInt64(f.calls, 1)
	}
	select {
	case <-time.After(f.latency):
	case <-ctx.Done():
		return aggregate.Result{}, ctx.Err()
	}
	passed := true
	if f.passIf != nil {
		passed = f.passIf(u)
	}
	return aggregate.Result{Passed: passed, Score: 1}, nil
}

// TestRunnerRespectsUnits ensures the unit count stops execution.
func TestRunnerRespectsUnits(t *testing.T) {
	var calls int64
	r := runner.New(runner.Options{
		Concurrency: 4,
		Units:       25,
		Executor:    &fakeExecutor{latency: 1 * time.Millisecond, calls: &calls},
	})
	res := r.Run(context.Background())
	if res.Total != 25 {
		t.Fatalf("expected total 25, got %d", res.Total)
	}
	if calls != 25 {
		t.Fatalf("expected executor called 25 times, got %d", calls)
	}
	if len(res.Results) != 25 {
		t.Fatalf("expected 25 results, got %d", len(res.Results))
	}
}

// TestRunnerHonorsDuration ensures the duration cap stops even if units remain.
func TestRunnerHonorsDuration(t *testing.T) {
	var calls int64
	r := runner.New(runner.Options{
		Concurrency: 10,
		Duration:    50 * time.Millisecond,
		Executor:    &fakeExecutor{latency: 5 * time.Millisecond, calls: &calls},
	})
	start := time.Now()
	res := r.Run(context.Background())
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond || elapsed > 250*time.Millisecond {
		t.Fatalf("duration enforcement off: %s", elapsed)
	}
	if res.Duration <= 0 {
		t.Fatalf("result duration not recorded")
	}
	if res.Total <= 0 {
		t.Fatalf("expected some units executed")
	}
}

// TestLocalPacingCapsThroughput ensures local pacing restricts units per second.
func TestLocalPacingCapsThroughput(t *testing.T) {
	var calls int64
	perSecond := 100.0
	duration := 100 * time.Millisecond
	r := runner.New(runner.Options{
		Concurrency:    20,
		Duration:       duration,
		RatePerSecond:  perSecond,
		Executor:       &fakeExecutor{latency: 0, calls: &calls},
		LimiterFactory: func(rps float64) *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), 1) },
	})
	res := r.Run(context.Background())
	maxExpected := int(perSecond * (float64(duration) / float64(time.Second)) * 1.20) // 20% slack
	if int(res.Total) > maxExpected {
		t.Fatalf("pacing exceeded: total=%d max=%d", res.Total, maxExpected)
	}
	if calls > res.Total {
		t.Fatalf("calls exceed allocated units: %d vs %d", calls, res.Total)
	}
}

func TestUnitsCarryTemplateAndIndices(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}
	exec := runner.ExecutorFunc(func(_ context.Context, u runner.Unit) (aggregate.Result, error) {
		mu.Lock()
		seen[u.Index] = true
		mu.Unlock()
		return aggregate.Result{Passed: u.Index%2 == 0, TaskType: "math"}, nil
	})

	var sunk int64
	r := runner.New(runner.Options{
		Concurrency: 3,
		Units:       10,
		Template:    runner.Unit{Model: "qwen-7b", Variant: "fault-a", Difficulty: "hard", Reliability: 0.9},
		Executor:    exec,
		OnResult:    func(aggregate.Result) { atomic.AddInt64(&sunk, 1) },
	})
	res := r.Run(context.Background())

	if len(seen) != 10 {
		t.Fatalf("expected 10 distinct indices, got %d", len(seen))
	}
	for i := 0; i < 10; i++ {
		if !seen[i] {
			t.Fatalf("index %d never executed", i)
		}
	}
	if res.Passed != 5 || res.Failed != 5 {
		t.Fatalf("expected 5/5 split, got %d/%d", res.Passed, res.Failed)
	}
	if sunk != 10 {
		t.Fatalf("expected 10 results sunk, got %d", sunk)
	}
	for _, got := range res.Results {
		if got.Model != "qwen-7b" || got.Variant != "fault-a" || got.Difficulty != "hard" || got.Reliability != 0.9 {
			t.Fatalf("unit configuration not copied into result: %+v", got)
		}
		if got.TaskType != "math" {
			t.Fatalf("executor task type overwritten: %q", got.TaskType)
		}
	}
}

func TestAcquireCalledBeforeEveryAttempt(t *testing.T) {
	var acquired, executed int64
	inner := runner.ExecutorFunc(func(_ context.Context, u runner.Unit) (aggregate.Result, error) {
		if atomic.LoadInt64(&acquired) <= atomic.LoadInt64(&executed) {
			t.Errorf("unit %d executed without acquire", u.Index)
		}
		// The first attempt of every unit is throttled.
		if atomic.AddInt64(&executed, 1)%2 == 1 {
			return aggregate.Result{}, &runner.TransientError{Err: errors.New("429")}
		}
		return aggregate.Result{Passed: true}, nil
	})
	exec := runner.WithRetry(
		runner.WithAcquire(inner, func() { atomic.AddInt64(&acquired, 1) }),
		runner.RetryPolicy{MaxAttempts: 3, ShouldRetry: runner.IsTransient},
	)

	res := runner.New(runner.Options{Concurrency: 1, Units: 4, Executor: exec}).Run(context.Background())
	if res.Passed != 4 {
		t.Fatalf("expected 4 passed units, got %d (errors %d)", res.Passed, res.Errors)
	}
	if acquired != 8 || executed != 8 {
		t.Fatalf("expected 8 acquisitions for 8 calls, got %d acquisitions and %d calls", acquired, executed)
	}
}

func TestCollectorReceivesUnits(t *testing.T) {
	c := metrics.NewCollector()
	r := runner.New(runner.Options{
		Concurrency: 2,
		Units:       6,
		Collector:   c,
		Executor:    &fakeExecutor{latency: time.Millisecond, passIf: func(u runner.Unit) bool { return u.Index < 3 }},
	})
	r.Run(context.Background())

	stats := c.Stats(c.Elapsed())
	if stats.Total != 6 || stats.Passed != 3 || stats.Failed != 3 {
		t.Fatalf("unexpected collector stats: %+v", stats)
	}
	if stats.P50Latency <= 0 {
		t.Fatalf("expected latency to be recorded")
	}
}
