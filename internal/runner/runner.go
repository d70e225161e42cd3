package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/torosent/keyshard/internal/aggregate"
)

// Result captures a shard's execution summary.
type Result struct {
	Total    int64
	Passed   int64
	Failed   int64
	Errors   int64
	Duration time.Duration
	Results  []aggregate.Result
}

// Runner executes a shard's units with bounded concurrency.
type Runner struct {
	opt     Options
	arrival *uniformArrival
}

func New(opt Options) *Runner {
	opt.normalize()
	return &Runner{opt: opt, arrival: newArrival(opt)}
}

func (r *Runner) Run(ctx context.Context) Result {
	start := time.Now()
	var total int64
	var passed, failed, errs int64
	var mu sync.Mutex
	var results []aggregate.Result

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.opt.Duration > 0 {
		deadlineCtx, deadlineCancel := context.WithTimeout(ctx, r.opt.Duration)
		ctx = deadlineCtx
		defer deadlineCancel()
	}
	if r.opt.Collector != nil {
		r.opt.Collector.Start()
	}

	permits := make(chan int, r.opt.Concurrency)

	// Scheduler: serializes pacing to avoid burst overshoot across workers.
	go func() {
		defer close(permits)
		for {
			if ctx.Err() != nil {
				return
			}
			current := atomic.LoadInt64(&total)
			if r.opt.Units > 0 && current >= int64(r.opt.Units) {
				return
			}
			if err := r.arrival.Wait(ctx); err != nil {
				return
			}
			// Increment total before releasing permit so workers only execute allocated slots.
			index := int(atomic.AddInt64(&total, 1) - 1)
			select {
			case permits <- index:
			case <-ctx.Done():
				atomic.AddInt64(&total, -1)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(r.opt.Concurrency)
	for i := 0; i < r.opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for index := range permits {
				res, err := r.runUnit(ctx, index)
				switch {
				case err != nil:
					atomic.AddInt64(&errs, 1)
				case res.Passed:
					atomic.AddInt64(&passed, 1)
				default:
					atomic.AddInt64(&failed, 1)
				}
				if err == nil {
					mu.Lock()
					results = append(results, res)
					mu.Unlock()
					if r.opt.OnResult != nil {
						r.opt.OnResult(res)
					}
				}
				if ctx.Err() != nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	return Result{
		Total:    atomic.LoadInt64(&total),
		Passed:   atomic.LoadInt64(&passed),
		Failed:   atomic.LoadInt64(&failed),
		Errors:   atomic.LoadInt64(&errs),
		Duration: time.Since(start),
		Results:  results,
	}
}

func (r *Runner) runUnit(ctx context.Context, index int) (aggregate.Result, error) {
	unit := r.opt.Template
	unit.Index = index
	if r.opt.Executor == nil {
		return aggregate.Result{}, errNoExecutor
	}

	begin := time.Now()
	res, err := r.opt.Executor.Execute(ctx, unit)
	latency := time.Since(begin)
	if err == nil {
		res = fillFromUnit(res, unit)
		if res.Latency == 0 {
			res.Latency = latency
		}
	}
	if r.opt.Collector != nil {
		r.opt.Collector.RecordUnit(latency, res.Passed, res.Score, err)
	}
	return res, err
}

// fillFromUnit copies the unit's configuration into fields the executor left empty.
func fillFromUnit(res aggregate.Result, u Unit) aggregate.Result {
	if res.Model == "" {
		res.Model = u.Model
	}
	if res.Variant == "" {
		res.Variant = u.Variant
	}
	if res.Difficulty == "" {
		res.Difficulty = u.Difficulty
	}
	if res.Reliability == 0 {
		res.Reliability = u.Reliability
	}
	if res.TaskType == "" {
		res.TaskType = u.TaskFilter
	}
	return res
}
