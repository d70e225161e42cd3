package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/torosent/keyshard/internal/planner"
	"github.com/torosent/keyshard/internal/resource"
	"github.com/torosent/keyshard/internal/tracing"
)

func newShardCmd(a *app) *cobra.Command {
	var (
		s       planner.Shard
		res     string
		class   string
		variant string
	)
	cmd := &cobra.Command{
		Use:    "shard",
		Short:  "Run a single shard in this process",
		Long:   "shard is the child entry point used by process mode. It prints a JSON report as its last stdout line.",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := resource.ParseClass(class)
			if err != nil {
				return err
			}
			s.Class = c
			s.Resource = resource.ID(res)
			s.Config.Variant = variant
			s.Status = planner.StatusPending

			ctx := tracing.ExtractEnv(cmd.Context(), os.Environ())
			ctx, span := tracing.StartShardSpan(ctx, a.tracer.Tracer(), s.Model, res,
				tracing.AttrShardID.String(s.ID), tracing.AttrJobID.String(s.JobID))

			shardRunner, err := a.inProcessRunner()
			if err != nil {
				tracing.EndSpan(span, err)
				return err
			}
			result := shardRunner.RunShard(ctx, s)
			tracing.EndSpan(span, result.Err)

			line, err := json.Marshal(planner.ReportOf(result))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(line))
			if result.Failed() {
				return fmt.Errorf("shard %s failed: %w", s.ID, result.Err)
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&s.Model, "model", "", "Model identifier")
	fs.IntVar(&s.Instances, "instances", 0, "Instances in this shard")
	fs.StringVar(&res, "resource", "", "Resource the shard is bound to")
	fs.StringVar(&class, "class", resource.ClassSharedPool.String(), "Resource class: dedicated, shared or unknown")
	fs.Float64Var(&s.QPS, "qps", 0, "Request rate for the resource (0 is unlimited)")
	fs.IntVar(&s.Workers, "workers", 1, "Worker concurrency")
	fs.StringVar(&s.ID, "shard-id", "", "Shard identifier")
	fs.StringVar(&s.JobID, "job-id", "", "Job identifier")
	fs.IntVar(&s.Attempt, "attempt", 0, "Resubmission attempt")
	fs.StringVar(&variant, "variant", "", "Configuration variant")
	fs.StringVar(&s.Config.Difficulty, "difficulty", "", "Difficulty selector")
	fs.StringVar(&s.Config.TaskFilter, "task-filter", "", "Task-type filter")
	fs.Float64Var(&s.Config.Reliability, "reliability", 0, "Reliability target")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}
