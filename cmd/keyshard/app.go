package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/torosent/keyshard/internal/config"
	"github.com/torosent/keyshard/internal/planner"
	"github.com/torosent/keyshard/internal/ratelimit"
	"github.com/torosent/keyshard/internal/resource"
	"github.com/torosent/keyshard/internal/runner"
	"github.com/torosent/keyshard/internal/store"
	"github.com/torosent/keyshard/internal/tracing"
)

// app holds what PersistentPreRunE builds for every subcommand.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	tracer *tracing.Provider

	closers []io.Closer
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	a.closers = nil
	if a.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.tracer.Shutdown(shutdownCtx)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) classifier() (*resource.Classifier, error) {
	if a.cfg.ProvidersFile == "" {
		return resource.DefaultClassifier(), nil
	}
	table, err := resource.LoadTable(a.cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}
	return resource.NewClassifier(table), nil
}

func (a *app) openStore() (*store.SafeStore, error) {
	sc := a.cfg.Store
	return store.Open(sc.Path, store.Options{
		BackupDir:    sc.BackupDir,
		LockTimeout:  sc.LockTimeout,
		LockRetry:    sc.LockRetry,
		BackupOnSave: sc.BackupOnSave,
		Logger:       a.logger.Named("store"),
	})
}

// limiters builds the resource limiter registry over the configured state
// backend. The file backend is also installed as the process default.
func (a *app) limiters() (*ratelimit.Registry, error) {
	rc := a.cfg.RateLimit
	opts := ratelimit.Options{StaleAfter: rc.StaleAfter, Logger: a.logger.Named("ratelimit")}

	switch rc.Backend {
	case config.BackendMemory:
		opts.Backend = ratelimit.NewMemoryBackend()
	case config.BackendRedis:
		redisOpts, err := redis.ParseURL(rc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		a.closers = append(a.closers, client)
		opts.Backend = ratelimit.NewRedisBackend(client, rc.RedisPrefix, rc.StaleAfter)
	default:
		backend, err := ratelimit.NewFileBackend(rc.StateDir)
		if err != nil {
			return nil, err
		}
		opts.Backend = backend
	}

	reg := ratelimit.NewRegistry(opts)
	ratelimit.SetDefault(reg)
	return reg, nil
}

// executor wraps the configured unit command with failure logging. Retries
// are applied per shard, around the resource limiter.
func (a *app) executor() (runner.Executor, error) {
	ec := a.cfg.Executor
	if len(ec.Command) == 0 {
		return nil, errors.New("executor.command is required (set --executor or KEYSHARD_EXECUTOR_COMMAND)")
	}
	cmd := runner.NewCommandExecutor(ec.Command, ec.Timeout)
	cmd.Env = ec.Env
	if ec.PassedPath != "" {
		cmd.PassedPath = ec.PassedPath
	}
	if ec.ScorePath != "" {
		cmd.ScorePath = ec.ScorePath
	}
	if ec.TaskTypePath != "" {
		cmd.TaskTypePath = ec.TaskTypePath
	}

	return runner.WithLogging(cmd, runner.ZapFailureLogger{Logger: a.logger.Named("unit")}), nil
}

func (a *app) inProcessRunner() (*planner.InProcessRunner, error) {
	exec, err := a.executor()
	if err != nil {
		return nil, err
	}
	limiters, err := a.limiters()
	if err != nil {
		return nil, err
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return &planner.InProcessRunner{
		Executor: exec,
		Retry: runner.RetryPolicy{
			MaxAttempts: a.cfg.Execution.RetryAttempts,
			Delay:       a.cfg.Execution.RetryDelay,
			ShouldRetry: runner.IsTransient,
		},
		Limiters: limiters,
		Store:    st,
		UnitRate: a.cfg.Execution.UnitRate,
		Timeout:  a.cfg.Execution.ShardTimeout,
		Logger:   a.logger.Named("shard"),
	}, nil
}
