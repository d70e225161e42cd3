package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/torosent/keyshard/internal/output"
	"github.com/torosent/keyshard/internal/planner"
)

// jobFlags describe the logical job shared by plan and run.
type jobFlags struct {
	models      []string
	instances   int
	variants    []string
	difficulty  string
	taskFilter  string
	reliability float64
	keyIndex    int
	workers     int
	format      string
}

func (f *jobFlags) register(fs *pflag.FlagSet) {
	fs.StringSliceVar(&f.models, "model", nil, "Model identifier; repeat for sibling jobs sharing a pool")
	fs.IntVar(&f.instances, "instances", 0, "Instances to run per configuration")
	fs.StringSliceVar(&f.variants, "variant", nil, "Mutually exclusive configuration variants (e.g. fault injections)")
	fs.StringVar(&f.difficulty, "difficulty", "", "Difficulty selector")
	fs.StringVar(&f.taskFilter, "task-filter", "", "Task-type filter")
	fs.Float64Var(&f.reliability, "reliability", 0, "Reliability target")
	fs.IntVar(&f.keyIndex, "key-index", -1, "Pin every shard to this pool member (-1 plans across the pool)")
	fs.IntVar(&f.workers, "workers", 0, "Worker concurrency per shard (0 uses the provider default)")
	fs.StringVarP(&f.format, "output", "o", "text", "Output format: text or json")
}

func (f *jobFlags) jobs() ([]planner.Job, error) {
	if len(f.models) == 0 {
		return nil, errors.New("at least one --model is required")
	}
	switch strings.ToLower(f.format) {
	case "text", "json":
	default:
		return nil, fmt.Errorf("--output must be text or json, got %q", f.format)
	}

	var configs []planner.Configuration
	for _, v := range f.variants {
		configs = append(configs, f.configuration(v))
	}
	if len(configs) == 0 {
		configs = []planner.Configuration{f.configuration("")}
	}

	var keyIndex *int
	if f.keyIndex >= 0 {
		idx := f.keyIndex
		keyIndex = &idx
	}

	jobs := make([]planner.Job, 0, len(f.models))
	for _, model := range f.models {
		jobs = append(jobs, planner.Job{
			Model:          model,
			Configurations: configs,
			Instances:      f.instances,
			KeyIndex:       keyIndex,
			Workers:        f.workers,
		})
	}
	return jobs, nil
}

func (f *jobFlags) configuration(variant string) planner.Configuration {
	return planner.Configuration{
		Variant:     variant,
		Difficulty:  f.difficulty,
		TaskFilter:  f.taskFilter,
		Reliability: f.reliability,
	}
}

func (f *jobFlags) json() bool {
	return strings.EqualFold(f.format, "json")
}

func (a *app) plan(f *jobFlags) ([]planner.Shard, error) {
	jobs, err := f.jobs()
	if err != nil {
		return nil, err
	}
	classifier, err := a.classifier()
	if err != nil {
		return nil, err
	}
	return planner.New(classifier).PlanSiblings(jobs)
}

func newPlanCmd(a *app) *cobra.Command {
	var flags jobFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the shard plan for a job without running it",
		Example: `  keyshard plan --model gemini-pro --instances 100
  keyshard plan --model qwen-7b --model qwen-72b --variant baseline --variant timeout --instances 20 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			shards, err := a.plan(&flags)
			if err != nil {
				return err
			}
			if flags.json() {
				return output.PrintJSON(cmd.OutOrStdout(), shards)
			}
			output.PrintPlan(cmd.OutOrStdout(), shards)
			return nil
		},
	}
	flags.register(cmd.Flags())
	return cmd
}
