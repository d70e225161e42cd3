package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KEYSHARD_STORE_PATH.
const EnvPrefix = "KEYSHARD"

// Loader handles loading configuration from files, environment and flags.
type Loader struct{}

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Path:          filepath.Join(".keyshard", "stats.json"),
			LockTimeout:   10 * time.Second,
			LockRetry:     50 * time.Millisecond,
			BackupOnSave:  true,
			RetentionDays: 7,
			KeepBackups:   10,
		},
		RateLimit: RateLimitConfig{
			Backend:     BackendFile,
			StateDir:    filepath.Join(os.TempDir(), "keyshard-ratelimit"),
			StaleAfter:  60 * time.Second,
			RedisPrefix: "keyshard",
		},
		Execution: ExecutionConfig{
			Mode:          ModeInProcess,
			MaxParallel:   4,
			ShardTimeout:  2 * time.Hour,
			RetryAttempts: 3,
			RetryDelay:    2 * time.Second,
			MaxResubmits:  2,
		},
		Executor: ExecutorConfig{
			Timeout:      5 * time.Minute,
			PassedPath:   "passed",
			ScorePath:    "score",
			TaskTypePath: "task_type",
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Tracing: TracingConfig{Protocol: "grpc", ServiceName: "keyshard", SampleRate: 1.0},
	}
}

// Load merges defaults, the config file named by the --config flag (if
// any), KEYSHARD_* environment variables and changed flags, then validates.
// fs may be nil.
func (Loader) Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	configPath := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configPath = f.Value.String()
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = configPath
	cfg.Execution.Mode = strings.ToLower(cfg.Execution.Mode)
	cfg.RateLimit.Backend = strings.ToLower(cfg.RateLimit.Backend)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("providers_file", d.ProvidersFile)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.backup_dir", d.Store.BackupDir)
	v.SetDefault("store.lock_timeout", d.Store.LockTimeout)
	v.SetDefault("store.lock_retry", d.Store.LockRetry)
	v.SetDefault("store.backup_on_save", d.Store.BackupOnSave)
	v.SetDefault("store.retention_days", d.Store.RetentionDays)
	v.SetDefault("store.keep_backups", d.Store.KeepBackups)

	v.SetDefault("ratelimit.backend", d.RateLimit.Backend)
	v.SetDefault("ratelimit.state_dir", d.RateLimit.StateDir)
	v.SetDefault("ratelimit.stale_after", d.RateLimit.StaleAfter)
	v.SetDefault("ratelimit.redis_url", d.RateLimit.RedisURL)
	v.SetDefault("ratelimit.redis_prefix", d.RateLimit.RedisPrefix)

	v.SetDefault("execution.mode", d.Execution.Mode)
	v.SetDefault("execution.max_parallel", d.Execution.MaxParallel)
	v.SetDefault("execution.shard_timeout", d.Execution.ShardTimeout)
	v.SetDefault("execution.unit_rate", d.Execution.UnitRate)
	v.SetDefault("execution.retry_attempts", d.Execution.RetryAttempts)
	v.SetDefault("execution.retry_delay", d.Execution.RetryDelay)
	v.SetDefault("execution.max_resubmits", d.Execution.MaxResubmits)

	v.SetDefault("executor.command", d.Executor.Command)
	v.SetDefault("executor.env", d.Executor.Env)
	v.SetDefault("executor.timeout", d.Executor.Timeout)
	v.SetDefault("executor.passed_path", d.Executor.PassedPath)
	v.SetDefault("executor.score_path", d.Executor.ScorePath)
	v.SetDefault("executor.task_type_path", d.Executor.TaskTypePath)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.protocol", d.Tracing.Protocol)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	// No default: unset means "follow Enabled".
	_ = v.BindEnv("tracing.propagate")
}
