package runner

import (
	"context"

	"golang.org/x/time/rate"
)

// uniformArrival delegates pacing to a rate.Limiter (uniform spacing).
type uniformArrival struct {
	limiter *rate.Limiter
}

func newArrival(opt Options) *uniformArrival {
	if opt.RatePerSecond <= 0 {
		return nil
	}
	return &uniformArrival{limiter: opt.LimiterFactory(opt.RatePerSecond)}
}

func (u *uniformArrival) Wait(ctx context.Context) error {
	if u == nil || u.limiter == nil {
		return nil
	}
	return u.limiter.Wait(ctx)
}
