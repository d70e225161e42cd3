// Package config loads keyshard settings from an optional YAML/JSON file,
// KEYSHARD_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Execution modes.
const (
	ModeInProcess = "inprocess"
	ModeProcess   = "process"
)

// Limiter state backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	ConfigFile    string          `mapstructure:"-"`
	ProvidersFile string          `mapstructure:"providers_file"`
	Store         StoreConfig     `mapstructure:"store"`
	RateLimit     RateLimitConfig `mapstructure:"ratelimit"`
	Execution     ExecutionConfig `mapstructure:"execution"`
	Executor      ExecutorConfig  `mapstructure:"executor"`
	Logging       LoggingConfig   `mapstructure:"logging"`
	Tracing       TracingConfig   `mapstructure:"tracing"`
}

type StoreConfig struct {
	Path          string        `mapstructure:"path"`
	BackupDir     string        `mapstructure:"backup_dir"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	LockRetry     time.Duration `mapstructure:"lock_retry"`
	BackupOnSave  bool          `mapstructure:"backup_on_save"`
	RetentionDays int           `mapstructure:"retention_days"`
	KeepBackups   int           `mapstructure:"keep_backups"`
}

type RateLimitConfig struct {
	Backend     string        `mapstructure:"backend"`
	StateDir    string        `mapstructure:"state_dir"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	RedisURL    string        `mapstructure:"redis_url"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
}

type ExecutionConfig struct {
	Mode          string        `mapstructure:"mode"`
	MaxParallel   int           `mapstructure:"max_parallel"`
	ShardTimeout  time.Duration `mapstructure:"shard_timeout"`
	UnitRate      float64       `mapstructure:"unit_rate"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxResubmits  int           `mapstructure:"max_resubmits"`
}

// ExecutorConfig describes the external per-unit command.
type ExecutorConfig struct {
	Command      []string      `mapstructure:"command"`
	Env          []string      `mapstructure:"env"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PassedPath   string        `mapstructure:"passed_path"`
	ScorePath    string        `mapstructure:"score_path"`
	TaskTypePath string        `mapstructure:"task_type_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	// Propagate passes trace context to shard child processes.
	Propagate *bool `mapstructure:"propagate"`
}

// Enabled reports whether spans should be exported.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != ""
}

// ShouldPropagate defaults to true when tracing is enabled.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	if strings.TrimSpace(c.Store.Path) == "" {
		issues = append(issues, "store.path is required")
	}
	if c.Store.LockTimeout < 0 {
		issues = append(issues, "store.lock_timeout must be >= 0")
	}
	if c.Store.RetentionDays < 0 {
		issues = append(issues, "store.retention_days must be >= 0")
	}
	if c.Store.KeepBackups < 0 {
		issues = append(issues, "store.keep_backups must be >= 0")
	}

	switch strings.ToLower(c.RateLimit.Backend) {
	case BackendFile, BackendMemory, "":
	case BackendRedis:
		if strings.TrimSpace(c.RateLimit.RedisURL) == "" {
			issues = append(issues, "ratelimit.redis_url is required for the redis backend")
		}
	default:
		issues = append(issues, fmt.Sprintf("ratelimit.backend must be file, redis or memory, got %q", c.RateLimit.Backend))
	}
	if c.RateLimit.StaleAfter < 0 {
		issues = append(issues, "ratelimit.stale_after must be >= 0")
	}

	switch strings.ToLower(c.Execution.Mode) {
	case ModeInProcess, ModeProcess, "":
	default:
		issues = append(issues, fmt.Sprintf("execution.mode must be inprocess or process, got %q", c.Execution.Mode))
	}
	if c.Execution.MaxParallel < 0 {
		issues = append(issues, "execution.max_parallel must be >= 0")
	}
	if c.Execution.ShardTimeout < 0 {
		issues = append(issues, "execution.shard_timeout must be >= 0")
	}
	if c.Execution.UnitRate < 0 {
		issues = append(issues, "execution.unit_rate must be >= 0")
	}
	if c.Execution.RetryAttempts < 0 {
		issues = append(issues, "execution.retry_attempts must be >= 0")
	}
	if c.Execution.MaxResubmits < 0 {
		issues = append(issues, "execution.max_resubmits must be >= 0")
	}

	if c.Executor.Timeout < 0 {
		issues = append(issues, "executor.timeout must be >= 0")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console", "":
	default:
		issues = append(issues, fmt.Sprintf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, "tracing.sample_rate must be between 0.0 and 1.0")
	}
	switch strings.ToLower(c.Tracing.Protocol) {
	case "grpc", "http", "":
	default:
		issues = append(issues, fmt.Sprintf("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol))
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}
