// Package runner executes the units of one shard.
//
// A Runner hands unit indices to a fixed pool of workers through a single
// pacing goroutine, so optional local pacing never bursts across workers.
// The shared resource limiter plugs in as executor middleware, [WithAcquire],
// placed inside [WithRetry] so every attempt is spaced.
//
// # Basic Usage
//
//	r := runner.New(runner.Options{
//		Concurrency: 4,
//		Units:       50,
//		Template:    runner.Unit{Model: "qwen2.5-7b", Variant: "baseline"},
//		Executor: runner.WithRetry(
//			runner.WithAcquire(runner.NewCommandExecutor([]string{"./run-unit"}, time.Minute), func() { limiter.Acquire() }),
//			runner.RetryPolicy{MaxAttempts: 3, ShouldRetry: runner.IsTransient},
//		),
//	})
//	result := r.Run(ctx)
//
// # Executors
//
// An [Executor] performs one unit and returns an aggregate.Result. The
// [CommandExecutor] runs an external program and reads the result from the
// JSON it prints; [ExecutorFunc] adapts a plain function.
//
// # Middleware
//
//   - [WithLogging]: log unit failures
//   - [WithAcquire]: wait on a limiter before each call
//   - [WithRetry]: retry failures, typically only [TransientError]s
package runner
