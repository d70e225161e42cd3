package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/torosent/keyshard/internal/config"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "keyshard", RunE: func(*cobra.Command, []string) error { return nil }}
	config.RegisterFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func load(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	cmd := newCommand(t, args...)
	return config.NewLoader().Load(cmd.Flags())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.NewLoader().Load(nil)
	require.NoError(t, err)

	d := config.Defaults()
	require.Equal(t, d.Store.Path, cfg.Store.Path)
	require.Equal(t, 10*time.Second, cfg.Store.LockTimeout)
	require.True(t, cfg.Store.BackupOnSave)
	require.Equal(t, config.BackendFile, cfg.RateLimit.Backend)
	require.Equal(t, 60*time.Second, cfg.RateLimit.StaleAfter)
	require.Equal(t, config.ModeInProcess, cfg.Execution.Mode)
	require.Equal(t, "passed", cfg.Executor.PassedPath)
	require.False(t, cfg.Tracing.Enabled())
	require.False(t, cfg.Tracing.ShouldPropagate())
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyshard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers_file: providers.yaml
store:
  path: /var/lib/keyshard/stats.json
  lock_timeout: 3s
  keep_backups: 4
ratelimit:
  backend: Redis
  redis_url: redis://localhost:6379/0
execution:
  mode: process
  max_parallel: 8
executor:
  command: ["python3", "eval_unit.py"]
  timeout: 90s
tracing:
  endpoint: localhost:4317
  sample_rate: 0.25
`), 0o644))

	cfg, err := load(t, "--config", path)
	require.NoError(t, err)
	require.Equal(t, path, cfg.ConfigFile)
	require.Equal(t, "providers.yaml", cfg.ProvidersFile)
	require.Equal(t, "/var/lib/keyshard/stats.json", cfg.Store.Path)
	require.Equal(t, 3*time.Second, cfg.Store.LockTimeout)
	require.Equal(t, 4, cfg.Store.KeepBackups)
	require.Equal(t, config.BackendRedis, cfg.RateLimit.Backend)
	require.Equal(t, config.ModeProcess, cfg.Execution.Mode)
	require.Equal(t, 8, cfg.Execution.MaxParallel)
	require.Equal(t, []string{"python3", "eval_unit.py"}, cfg.Executor.Command)
	require.Equal(t, 90*time.Second, cfg.Executor.Timeout)
	require.True(t, cfg.Tracing.Enabled())
	require.True(t, cfg.Tracing.ShouldPropagate())
	require.Equal(t, 0.25, cfg.Tracing.SampleRate)
}

func TestPrecedenceFlagOverEnvOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyshard.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"execution": {"max_parallel": 2, "unit_rate": 1.5}, "store": {"path": "file.json"}}`), 0o644))

	t.Setenv("KEYSHARD_EXECUTION_MAX_PARALLEL", "6")
	t.Setenv("KEYSHARD_STORE_PATH", "env.json")

	cfg, err := load(t, "--config", path, "--store", "flag.json")
	require.NoError(t, err)
	require.Equal(t, "flag.json", cfg.Store.Path)
	require.Equal(t, 6, cfg.Execution.MaxParallel)
	require.Equal(t, 1.5, cfg.Execution.UnitRate)
}

func TestPropagateCanBeDisabled(t *testing.T) {
	t.Setenv("KEYSHARD_TRACING_ENDPOINT", "localhost:4318")
	t.Setenv("KEYSHARD_TRACING_PROPAGATE", "false")

	cfg, err := load(t)
	require.NoError(t, err)
	require.True(t, cfg.Tracing.Enabled())
	require.False(t, cfg.Tracing.ShouldPropagate())
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := load(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateCollectsIssues(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Path = " "
	cfg.RateLimit.Backend = config.BackendRedis
	cfg.Execution.Mode = "threads"
	cfg.Tracing.SampleRate = 2

	err := cfg.Validate()
	var verr config.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Issues(), 4)
	require.Contains(t, err.Error(), "store.path is required")
	require.Contains(t, err.Error(), "redis_url")
	require.Contains(t, err.Error(), "threads")
}

func TestLoadRejectsInvalidFlags(t *testing.T) {
	_, err := load(t, "--mode", "threads")
	var verr config.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, config.Defaults().Validate())
}
