package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/torosent/keyshard/internal/config"
	"github.com/torosent/keyshard/internal/output"
	"github.com/torosent/keyshard/internal/planner"
	"github.com/torosent/keyshard/internal/scheduler"
	"github.com/torosent/keyshard/internal/threshold"
)

const progressInterval = time.Second

// runReport is the JSON form of a run.
type runReport struct {
	Results       []planner.ShardResult `json:"results"`
	Resubmittable []planner.Shard       `json:"resubmittable,omitempty"`
	Exhausted     int                   `json:"exhausted"`
	Thresholds    []shardThresholds     `json:"thresholds,omitempty"`
}

// shardThresholds holds the threshold outcomes for one completed shard.
type shardThresholds struct {
	ShardID string   `json:"shard_id"`
	Pass    bool     `json:"pass"`
	Checks  []string `json:"checks"`
}

// checkThresholds evaluates e against every shard that produced statistics.
func checkThresholds(e *threshold.Evaluator, results []planner.ShardResult) (out []shardThresholds, ok bool) {
	ok = true
	if e.Len() == 0 {
		return nil, ok
	}
	for _, r := range results {
		if r.Stats == nil {
			continue
		}
		checks := e.Evaluate(*r.Stats)
		entry := shardThresholds{ShardID: r.Shard.ID, Pass: threshold.AllPass(checks)}
		for _, c := range checks {
			entry.Checks = append(entry.Checks, c.Message)
		}
		ok = ok && entry.Pass
		out = append(out, entry)
	}
	return out, ok
}

func newRunCmd(a *app) *cobra.Command {
	var (
		flags      jobFlags
		resubmit   bool
		metricsOut string
		progress   bool
		thresholds []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan a job and execute its shards",
		Long: `run plans the job, then executes every shard. Shards on shared or unknown
resources are queued per resource so siblings never use one key concurrently;
dedicated shards run in parallel up to --max-parallel. Failed shards are not
retried unless --resubmit is given, in which case the failure ledger decides
what runs again.`,
		Example: `  keyshard run --model gemini-pro --instances 100 --executor python3,eval_unit.py
  keyshard run --mode process --model qwen-7b --model qwen-72b --variant baseline --variant drop --instances 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := threshold.ParseMultiple(thresholds)
			if err != nil {
				return err
			}
			shards, err := a.plan(&flags)
			if err != nil {
				return err
			}
			shardRunner, err := a.shardRunner(cmd)
			if err != nil {
				return err
			}
			defer scheduler.ResetDefault()

			ledger := planner.NewMemoryLedger(a.cfg.Execution.MaxResubmits)
			tally := output.NewProgress(len(shards))
			d := &planner.Dispatcher{
				Runner:      shardRunner,
				Scheduler:   scheduler.Default(),
				MaxParallel: a.cfg.Execution.MaxParallel,
				Ledger:      planner.MultiLedger{ledger, tally},
				Tracer:      a.tracer.Tracer(),
				Logger:      a.logger.Named("dispatch"),
			}

			var reporter *output.ProgressReporter
			if progress && !flags.json() {
				reporter = output.NewProgressReporter(tally, progressInterval, cmd.ErrOrStderr())
				reporter.Start()
				defer reporter.Stop()
			}

			results := d.Run(cmd.Context(), shards)
			for round := 1; resubmit && cmd.Context().Err() == nil; round++ {
				retry := ledger.Resubmittable()
				if len(retry) == 0 {
					break
				}
				a.logger.Info("resubmitting failed shards", zap.Int("round", round), zap.Int("shards", len(retry)))
				tally.Grow(len(retry))
				results = append(results, d.Run(cmd.Context(), retry)...)
			}

			if reporter != nil {
				reporter.Stop()
			}

			pending := ledger.Resubmittable()
			exhausted := ledger.Exhausted()
			checked, thresholdsOK := checkThresholds(threshold.NewEvaluator(parsed), results)
			if flags.json() {
				report := runReport{Results: results, Resubmittable: pending, Exhausted: len(exhausted), Thresholds: checked}
				if err := output.PrintJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				output.PrintResults(cmd.OutOrStdout(), results)
				if len(pending) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "\nResubmittable: %d shard(s) (rerun with --resubmit)\n", len(pending))
					for _, s := range pending {
						fmt.Fprintf(cmd.OutOrStdout(), "  - %s on %s attempt=%d\n", s.Model, s.Resource, s.Attempt)
					}
				}
				if len(checked) > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "\nThresholds:")
					for _, st := range checked {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", st.ShardID)
						for _, c := range st.Checks {
							fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", c)
						}
					}
				}
			}

			if metricsOut != "" {
				if err := prometheus.WriteToTextfile(metricsOut, prometheus.DefaultGatherer); err != nil {
					return fmt.Errorf("write metrics: %w", err)
				}
			}

			if failed := len(pending) + len(exhausted); failed > 0 {
				return fmt.Errorf("%d shard(s) failed", failed)
			}
			if !thresholdsOK {
				return errors.New("thresholds not met")
			}
			return nil
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().BoolVar(&resubmit, "resubmit", false, "Resubmit failed shards while the ledger allows it")
	cmd.Flags().StringVar(&metricsOut, "metrics-out", "", "Write Prometheus metrics in text format to this file when done")
	cmd.Flags().BoolVar(&progress, "progress", true, "Show shard progress on stderr")
	cmd.Flags().StringArrayVar(&thresholds, "threshold", nil, "Assertion every completed shard must meet, e.g. 'unit_passed:rate >= 0.8' (repeatable)")
	return cmd
}

func (a *app) shardRunner(cmd *cobra.Command) (planner.ShardRunner, error) {
	if a.cfg.Execution.Mode != config.ModeProcess {
		return a.inProcessRunner()
	}
	return &planner.ProcessRunner{
		Args:      forwardedFlags(cmd),
		Timeout:   a.cfg.Execution.ShardTimeout,
		Propagate: a.cfg.Tracing.ShouldPropagate(),
		Logger:    a.logger.Named("process"),
	}, nil
}

// forwardedFlags renders the global flags the user set, so shard child
// processes see the same configuration. KEYSHARD_* variables reach them
// through the inherited environment.
func forwardedFlags(cmd *cobra.Command) []string {
	global := cmd.Root().PersistentFlags()
	var args []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if global.Lookup(f.Name) == nil || f.Name == "mode" {
			return
		}
		value := f.Value.String()
		if _, ok := f.Value.(pflag.SliceValue); ok {
			// Slice values print as a bracketed CSV record.
			value = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
		}
		args = append(args, "--"+f.Name+"="+value)
	})
	return args
}
