package config

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// flagKeys maps persistent flag names onto config keys.
var flagKeys = map[string]string{
	"providers":         "providers_file",
	"store":             "store.path",
	"backup-dir":        "store.backup_dir",
	"lock-timeout":      "store.lock_timeout",
	"backup-on-save":    "store.backup_on_save",
	"ratelimit-backend": "ratelimit.backend",
	"state-dir":         "ratelimit.state_dir",
	"stale-after":       "ratelimit.stale_after",
	"redis-url":         "ratelimit.redis_url",
	"mode":              "execution.mode",
	"max-parallel":      "execution.max_parallel",
	"shard-timeout":     "execution.shard_timeout",
	"unit-rate":         "execution.unit_rate",
	"retries":           "execution.retry_attempts",
	"max-resubmits":     "execution.max_resubmits",
	"executor":          "executor.command",
	"executor-timeout":  "executor.timeout",
	"log-level":         "logging.level",
	"log-format":        "logging.format",
	"tracing-endpoint":  "tracing.endpoint",
	"tracing-protocol":  "tracing.protocol",
}

// RegisterFlags registers the shared configuration flags on a cobra command
// as persistent flags, so every subcommand accepts them.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.PersistentFlags())
}

// configureFlags sets up all configuration flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	d := Defaults()

	flags.String("config", "", "Path to configuration file (JSON or YAML)")
	flags.String("providers", d.ProvidersFile, "Path to a YAML provider classification table")

	// Store flags
	flags.String("store", d.Store.Path, "Path to the aggregate store file")
	flags.String("backup-dir", d.Store.BackupDir, "Directory for store backups (default: <store dir>/backups)")
	flags.Duration("lock-timeout", d.Store.LockTimeout, "How long to wait for the store lock")
	flags.Bool("backup-on-save", d.Store.BackupOnSave, "Back up the previous store state before every save")

	// Rate limiter flags
	flags.String("ratelimit-backend", d.RateLimit.Backend, "Limiter state backend: file, redis or memory")
	flags.String("state-dir", d.RateLimit.StateDir, "Directory for file-backed limiter state")
	flags.Duration("stale-after", d.RateLimit.StaleAfter, "Age after which shared limiter state is ignored")
	flags.String("redis-url", d.RateLimit.RedisURL, "Redis URL for the redis limiter backend")

	// Execution flags
	flags.String("mode", d.Execution.Mode, "Shard execution mode: inprocess or process")
	flags.Int("max-parallel", d.Execution.MaxParallel, "Maximum dedicated shards running at once")
	flags.Duration("shard-timeout", d.Execution.ShardTimeout, "Wall-clock limit per shard")
	flags.Float64("unit-rate", d.Execution.UnitRate, "Local units per second inside a shard (0 means unlimited)")
	flags.Int("retries", d.Execution.RetryAttempts, "Attempts per unit for transient failures")
	flags.Int("max-resubmits", d.Execution.MaxResubmits, "Times a failed shard may be resubmitted")
	flags.StringSlice("executor", d.Executor.Command, "Unit command and arguments, comma separated")
	flags.Duration("executor-timeout", d.Executor.Timeout, "Timeout for one unit command")

	// Output flags
	flags.String("log-level", d.Logging.Level, "Log level: debug, info, warn or error")
	flags.String("log-format", d.Logging.Format, "Log format: json or console")
	flags.String("tracing-endpoint", d.Tracing.Endpoint, "OTLP endpoint for shard traces (empty disables tracing)")
	flags.String("tracing-protocol", d.Tracing.Protocol, "OTLP protocol: grpc or http")
}
