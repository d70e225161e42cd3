// Package output renders shard plans, shard results and aggregate snapshots
// for the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/torosent/keyshard/internal/aggregate"
	"github.com/torosent/keyshard/internal/planner"
)

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintPlan outputs a human-readable shard plan.
func PrintPlan(w io.Writer, shards []planner.Shard) {
	fmt.Fprintln(w, "\n--- Shard Plan ---")
	fmt.Fprintf(w, "Shards:            %d\n", len(shards))
	fmt.Fprintf(w, "Instances:         %d\n", planner.TotalInstances(shards))

	byResource := make(map[string][]planner.Shard)
	for _, s := range shards {
		byResource[string(s.Resource)] = append(byResource[string(s.Resource)], s)
	}
	resources := make([]string, 0, len(byResource))
	for r := range byResource {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	fmt.Fprintln(w, "\nBy Resource:")
	for _, r := range resources {
		group := byResource[r]
		fmt.Fprintf(w, "  %s (%s, qps=%s): %d shard(s), %d instance(s)\n",
			r, group[0].Class, formatQPS(group[0].QPS), len(group), planner.TotalInstances(group))
		for _, s := range group {
			fmt.Fprintf(w, "    - %s model=%s instances=%d workers=%d%s\n",
				s.ID, s.Model, s.Instances, s.Workers, formatConfig(s.Config))
		}
	}
}

// PrintResults outputs per-shard outcomes and a summary line.
func PrintResults(w io.Writer, results []planner.ShardResult) {
	done, failed := planner.Summarize(results)
	var total time.Duration
	for _, r := range results {
		total += r.Duration
	}

	fmt.Fprintln(w, "\n--- Shard Results ---")
	fmt.Fprintf(w, "Shards:            %d\n", len(results))
	fmt.Fprintf(w, "Done:              %d\n", done)
	fmt.Fprintf(w, "Failed:            %d\n", failed)
	fmt.Fprintf(w, "Shard Time:        %s\n", total.Round(time.Millisecond))

	fmt.Fprintln(w, "\nShards:")
	for _, r := range results {
		s := r.Shard
		line := fmt.Sprintf("  [%s] %s %s on %s: %d instance(s) in %s",
			strings.ToUpper(string(r.Status)), s.ID, s.Model, s.Resource, s.Instances, r.Duration.Round(time.Millisecond))
		if r.Stats != nil {
			line += fmt.Sprintf(", pass=%.1f%%, p90=%.1fms", r.Stats.PassRate*100, r.Stats.P90LatencyMs)
		}
		fmt.Fprintln(w, line)
		if r.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", r.Error)
		}
	}
}

// PrintSnapshot outputs the aggregate summary and the tree down to depth
// levels below each model (0 prints models only).
func PrintSnapshot(w io.Writer, snap *aggregate.Snapshot, depth int) {
	fmt.Fprintln(w, "\n--- Aggregate Store ---")
	fmt.Fprintf(w, "Version:           %s\n", snap.Version)
	fmt.Fprintf(w, "Created:           %s\n", snap.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Last Updated:      %s\n", snap.LastUpdated.Format(time.RFC3339))
	fmt.Fprintf(w, "Models:            %d\n", snap.Summary.Models)
	fmt.Fprintf(w, "Total Units:       %d\n", snap.Summary.Total)
	fmt.Fprintf(w, "Passed:            %d\n", snap.Summary.Passed)
	fmt.Fprintf(w, "Failed:            %d\n", snap.Summary.Failed)
	fmt.Fprintf(w, "Pass Rate:         %.2f%%\n", snap.Summary.PassRate*100)
	fmt.Fprintf(w, "Mean Score:        %.3f\n", snap.Summary.MeanScore)

	if len(snap.Models) == 0 {
		return
	}
	fmt.Fprintln(w, "\nModel Breakdown:")
	writeNodes(w, snap.Models, "  ", depth)
}

func writeNodes(w io.Writer, nodes map[string]*aggregate.Node, indent string, depth int) {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if nodes[names[i]].Total != nodes[names[j]].Total {
			return nodes[names[i]].Total > nodes[names[j]].Total
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		n := nodes[name]
		fmt.Fprintf(w, "%s- %s: total=%d, passed=%d, failed=%d, pass=%.1f%%, score=%.3f, latency=%.1fms\n",
			indent, name, n.Total, n.Passed, n.Failed, n.PassRate()*100, n.MeanScore, n.MeanLatencyMs)
		if depth > 0 && len(n.Children) > 0 {
			writeNodes(w, n.Children, indent+"  ", depth-1)
		}
	}
}

func formatQPS(qps float64) string {
	if qps <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%g", qps)
}

func formatConfig(c planner.Configuration) string {
	var parts []string
	if c.Variant != "" {
		parts = append(parts, "variant="+c.Variant)
	}
	if c.Difficulty != "" {
		parts = append(parts, "difficulty="+c.Difficulty)
	}
	if c.TaskFilter != "" {
		parts = append(parts, "tasks="+c.TaskFilter)
	}
	if c.Reliability != 0 {
		parts = append(parts, fmt.Sprintf("reliability=%g", c.Reliability))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}
