package runner

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/keyshard/internal/aggregate"
	"github.com/torosent/keyshard/internal/metrics"
)

// Unit is one test instance inside a shard.
type Unit struct {
	Index       int     `json:"index"`
	Model       string  `json:"model"`
	Variant     string  `json:"variant,omitempty"`
	Difficulty  string  `json:"difficulty,omitempty"`
	TaskFilter  string  `json:"task_filter,omitempty"`
	Reliability float64 `json:"reliability,omitempty"`
	Resource    string  `json:"resource,omitempty"`
}

// Executor performs one unit's external call and scores it.
// Implementations return an error only when no result could be produced.
type Executor interface {
	Execute(ctx context.Context, u Unit) (aggregate.Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, u Unit) (aggregate.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, u Unit) (aggregate.Result, error) {
	return f(ctx, u)
}

// Options configure the Runner.
type Options struct {
	Concurrency   int           // number of worker goroutines
	Units         int           // units to execute (0 means unlimited until duration/end)
	Duration      time.Duration // overall time limit (0 means no duration cap)
	RatePerSecond float64       // local unit pacing (0 means unlimited)
	Template      Unit          // copied into every unit; Index is assigned
	Executor      Executor      // unit executor (required)
	Collector     *metrics.Collector
	// OnResult receives every produced result, from worker goroutines.
	OnResult       func(aggregate.Result)
	LimiterFactory func(rps float64) *rate.Limiter // optional injection for tests
}

func (o *Options) normalize() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Units < 0 {
		o.Units = 0
	}
	if o.RatePerSecond < 0 {
		o.RatePerSecond = 0
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(rps float64) *rate.Limiter {
			if rps <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			// Burst tracks rps to smooth pacing under concurrency.
			burst := int(math.Ceil(rps))
			return rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}
