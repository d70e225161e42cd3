package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/torosent/keyshard/internal/config"
	"github.com/torosent/keyshard/internal/tracing"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "keyshard",
		Short: "Shard evaluation jobs across rate-limited provider keys",
		Long: `keyshard splits an evaluation job into shards bound to single provider
resources (API keys), runs them without letting two jobs overrun the same key,
and folds every unit result into a crash-safe aggregate store shared by all
writers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader().Load(cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg = cfg

			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.logger = logger
			zap.ReplaceGlobals(logger)

			a.tracer, err = tracing.Init(cmd.Context(), cfg.Tracing)
			if err != nil {
				return err
			}
			return nil
		},
	}
	config.RegisterFlags(root)

	root.AddCommand(
		newPlanCmd(a),
		newRunCmd(a),
		newShardCmd(a),
		newStoreCmd(a),
	)
	return root
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}
