package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/keyshard/internal/metrics"
	"github.com/torosent/keyshard/internal/ratelimit"
	"github.com/torosent/keyshard/internal/runner"
	"github.com/torosent/keyshard/internal/store"
)

// InProcessRunner executes a shard's units inside the current process. Every
// executor call, retries included, acquires the shard's resource limiter
// first, and the produced results are folded into the store in one locked
// write.
type InProcessRunner struct {
	Executor runner.Executor
	// Retry wraps the limiter-acquiring executor, so each attempt is spaced.
	Retry runner.RetryPolicy
	// Limiters defaults to ratelimit.Default().
	Limiters *ratelimit.Registry
	// Store is optional; without it results are only returned.
	Store *store.SafeStore
	// UnitRate paces units locally in addition to the resource limiter.
	UnitRate float64
	Timeout  time.Duration
	Logger   *zap.Logger
}

func (r *InProcessRunner) RunShard(ctx context.Context, s Shard) ShardResult {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var acquire func()
	if s.QPS > 0 {
		limiters := r.Limiters
		if limiters == nil {
			limiters = ratelimit.Default()
		}
		lim := limiters.Get(string(s.Resource), s.QPS)
		acquire = func() { lim.Acquire() }
	}

	collector := metrics.NewCollector()
	out := runner.New(runner.Options{
		Concurrency:   s.Workers,
		Units:         s.Instances,
		RatePerSecond: r.UnitRate,
		Template:      unitTemplate(s),
		Executor:      runner.WithRetry(runner.WithAcquire(r.Executor, acquire), r.Retry),
		Collector:     collector,
	}).Run(ctx)
	stats := collector.Stats(out.Duration)

	var errs []error
	if out.Errors > 0 {
		errs = append(errs, fmt.Errorf("%d of %d units errored", out.Errors, out.Total))
	}
	if int(out.Total) < s.Instances {
		cause := ctx.Err()
		if cause == nil {
			cause = errors.New("runner stopped early")
		}
		errs = append(errs, fmt.Errorf("%d of %d units ran: %w", out.Total, s.Instances, cause))
	}
	completed := 0
	if r.Store != nil && len(out.Results) > 0 {
		// The shard's own deadline must not discard results already paid for.
		if err := r.Store.Record(context.WithoutCancel(ctx), out.Results...); err != nil {
			errs = append(errs, fmt.Errorf("record results: %w", err))
		} else {
			completed = len(out.Results)
		}
	}

	if r.Logger != nil {
		r.Logger.Debug("shard units complete",
			zap.String("shard", s.ID),
			zap.String("resource", string(s.Resource)),
			zap.Int64("passed", out.Passed),
			zap.Int64("failed", out.Failed),
			zap.Int64("errored", out.Errors),
			zap.Duration("p90", stats.P90Latency))
	}

	res := ShardResult{
		Shard:     s,
		Stats:     &stats,
		Duration:  out.Duration,
		Completed: completed,
		Output:    fmt.Sprintf("%d passed, %d failed, %d errored", out.Passed, out.Failed, out.Errors),
	}
	if err := errors.Join(errs...); err != nil {
		res.Status = StatusFailed
		res.Err = err
	} else {
		res.Status = StatusDone
	}
	return res
}

func unitTemplate(s Shard) runner.Unit {
	return runner.Unit{
		Model:       s.Model,
		Variant:     s.Config.Variant,
		Difficulty:  s.Config.Difficulty,
		TaskFilter:  s.Config.TaskFilter,
		Reliability: s.Config.Reliability,
		Resource:    string(s.Resource),
	}
}
