package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/keyshard/internal/metrics"
	"github.com/torosent/keyshard/internal/scheduler"
	"github.com/torosent/keyshard/internal/tracing"
)

// ShardResult is the per-shard outcome reported back to the caller.
// Completed counts the units whose results were persisted; a resubmission
// only runs the remaining Instances - Completed units.
type ShardResult struct {
	Shard     Shard          `json:"shard"`
	Status    Status         `json:"status"`
	Err       error          `json:"-"`
	Error     string         `json:"error,omitempty"`
	Output    string         `json:"output,omitempty"`
	Stats     *metrics.Stats `json:"stats,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Completed int            `json:"completed,omitempty"`
}

// Failed reports whether the shard did not complete successfully.
func (r ShardResult) Failed() bool {
	return r.Status == StatusFailed || r.Err != nil
}

// ShardRunner executes one shard to completion.
type ShardRunner interface {
	RunShard(ctx context.Context, s Shard) ShardResult
}

// ShardRunnerFunc adapts a function to ShardRunner.
type ShardRunnerFunc func(ctx context.Context, s Shard) ShardResult

func (f ShardRunnerFunc) RunShard(ctx context.Context, s Shard) ShardResult {
	return f(ctx, s)
}

// Dispatcher runs planned shards. Shards on shared or unknown resources are
// submitted to the scheduler keyed by resource id; dedicated shards run
// concurrently up to MaxParallel. Failures are reported, never retried.
type Dispatcher struct {
	Runner ShardRunner
	// Scheduler defaults to scheduler.Default().
	Scheduler   *scheduler.Scheduler
	MaxParallel int
	Ledger      FailureLedger
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

// Run executes shards and returns their results in input order.
func (d *Dispatcher) Run(ctx context.Context, shards []Shard) []ShardResult {
	results := make([]ShardResult, len(shards))
	if d.Runner == nil {
		for i, s := range shards {
			results[i] = d.finish(s, ShardResult{Shard: s, Err: errors.New("no shard runner configured")})
		}
		return results
	}

	sched := d.Scheduler
	if sched == nil {
		sched = scheduler.Default()
	}

	var shared sync.WaitGroup
	var dedicated errgroup.Group
	if d.MaxParallel > 0 {
		dedicated.SetLimit(d.MaxParallel)
	}

	for i, s := range shards {
		if !s.Shared() {
			continue
		}
		shared.Add(1)
		err := sched.Submit(s.ID, string(s.Resource), func(context.Context) error {
			defer shared.Done()
			results[i] = d.runOne(ctx, s)
			return results[i].Err
		})
		if err != nil {
			shared.Done()
			results[i] = d.finish(s, ShardResult{Shard: s, Err: fmt.Errorf("submit shard: %w", err)})
		}
	}

	for i, s := range shards {
		if s.Shared() {
			continue
		}
		dedicated.Go(func() error {
			results[i] = d.runOne(ctx, s)
			return nil
		})
	}

	_ = dedicated.Wait()
	shared.Wait()
	return results
}

func (d *Dispatcher) runOne(ctx context.Context, s Shard) ShardResult {
	logger := d.logger()
	tracer := d.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("keyshard")
	}

	ctx, span := tracing.StartShardSpan(ctx, tracer, s.Model, string(s.Resource),
		tracing.AttrShardID.String(s.ID),
		tracing.AttrJobID.String(s.JobID),
		tracing.AttrClass.String(s.Class.String()),
	)

	s.Status = StatusRunning
	logger.Info("shard started",
		zap.String("shard", s.ID),
		zap.String("job", s.JobID),
		zap.String("model", s.Model),
		zap.String("resource", string(s.Resource)),
		zap.Int("instances", s.Instances))

	start := time.Now()
	res := d.safeRun(ctx, s)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	res = d.finish(s, res)

	tracing.EndSpan(span, res.Err,
		attribute.String("keyshard.status", string(res.Status)),
		attribute.Int("keyshard.instances", s.Instances))
	return res
}

// safeRun keeps a panicking runner from taking down sibling shards.
func (d *Dispatcher) safeRun(ctx context.Context, s Shard) (res ShardResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ShardResult{Shard: s, Err: fmt.Errorf("shard panicked: %v", r)}
		}
	}()
	return d.Runner.RunShard(ctx, s)
}

func (d *Dispatcher) finish(s Shard, res ShardResult) ShardResult {
	res.Shard = s
	if res.Status == "" || res.Status == StatusRunning || res.Status == StatusPending {
		res.Status = StatusDone
		if res.Err != nil {
			res.Status = StatusFailed
		}
	}
	if res.Status == StatusFailed && res.Err == nil {
		res.Err = errors.New("shard failed")
	}
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	res.Shard.Status = res.Status

	metrics.RecordShard(string(res.Status))
	if res.Failed() {
		d.logger().Warn("shard failed",
			zap.String("shard", s.ID),
			zap.String("model", s.Model),
			zap.String("resource", string(s.Resource)),
			zap.Duration("duration", res.Duration),
			zap.Error(res.Err))
	} else {
		d.logger().Info("shard finished",
			zap.String("shard", s.ID),
			zap.String("model", s.Model),
			zap.String("resource", string(s.Resource)),
			zap.Duration("duration", res.Duration))
	}
	if d.Ledger != nil {
		d.Ledger.Record(res)
	}
	return res
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Summarize counts results by status.
func Summarize(results []ShardResult) (done, failed int) {
	for _, r := range results {
		if r.Failed() {
			failed++
		} else {
			done++
		}
	}
	return done, failed
}
