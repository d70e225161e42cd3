package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/keyshard/internal/aggregate"
)

var errNoExecutor = errors.New("runner: no executor configured")

// TransientError marks a unit failure worth retrying, such as a provider
// throttling response or a dropped connection.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FailureLogger logs failed units.
type FailureLogger interface {
	LogFailure(u Unit, err error)
}

// ZapFailureLogger logs failures at warn level.
type ZapFailureLogger struct {
	Logger *zap.Logger
}

func (l ZapFailureLogger) LogFailure(u Unit, err error) {
	l.Logger.Warn("unit failed",
		zap.String("model", u.Model),
		zap.Int("unit", u.Index),
		zap.String("resource", u.Resource),
		zap.Error(err))
}

// RetryPolicy configures retry behavior.
type RetryPolicy struct {
	MaxAttempts int                                        // total attempts including initial try
	Delay       time.Duration                              // fixed delay between retries (used if DelayFunc nil)
	ShouldRetry func(error) bool                           // predicate; if nil, all errors retried
	DelayFunc   func(attempt int, err error) time.Duration // dynamic backoff; attempt is 1-based
}

// retryExecutor wraps an Executor with retry logic.
type retryExecutor struct {
	inner  Executor
	policy RetryPolicy
}

// WithRetry wraps an Executor with retry capability.
func WithRetry(exec Executor, policy RetryPolicy) Executor {
	if policy.MaxAttempts <= 1 {
		return exec // no retries needed
	}
	return &retryExecutor{
		inner:  exec,
		policy: policy,
	}
}

func (r *retryExecutor) Execute(ctx context.Context, u Unit) (aggregate.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return aggregate.Result{}, ctx.Err()
		}

		res, err := r.inner.Execute(ctx, u)
		if err == nil {
			return res, nil
		}
		lastErr = err

		// Don't delay after the last attempt.
		if attempt < r.policy.MaxAttempts {
			if r.policy.ShouldRetry != nil && !r.policy.ShouldRetry(lastErr) {
				return aggregate.Result{}, lastErr
			}
			var delay time.Duration
			if r.policy.DelayFunc != nil {
				delay = r.policy.DelayFunc(attempt, lastErr)
			} else {
				delay = r.policy.Delay
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return aggregate.Result{}, ctx.Err()
				}
			}
		}
	}
	return aggregate.Result{}, lastErr
}

// acquiringExecutor calls acquire before every call to inner.
type acquiringExecutor struct {
	inner   Executor
	acquire func()
}

// WithAcquire wraps an Executor so acquire runs before each call. Placed
// inside WithRetry, every retry attempt waits on the resource limiter too.
func WithAcquire(exec Executor, acquire func()) Executor {
	if acquire == nil {
		return exec
	}
	return &acquiringExecutor{inner: exec, acquire: acquire}
}

func (a *acquiringExecutor) Execute(ctx context.Context, u Unit) (aggregate.Result, error) {
	a.acquire()
	return a.inner.Execute(ctx, u)
}

// loggingExecutor wraps an Executor with failure logging.
type loggingExecutor struct {
	inner  Executor
	logger FailureLogger
}

// WithLogging wraps an Executor to log failures.
func WithLogging(exec Executor, logger FailureLogger) Executor {
	if logger == nil {
		return exec
	}
	return &loggingExecutor{
		inner:  exec,
		logger: logger,
	}
}

func (l *loggingExecutor) Execute(ctx context.Context, u Unit) (aggregate.Result, error) {
	res, err := l.inner.Execute(ctx, u)
	if err != nil {
		l.logger.LogFailure(u, err)
	}
	return res, err
}
