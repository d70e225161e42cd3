package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/torosent/keyshard/internal/aggregate"
	"github.com/torosent/keyshard/internal/metrics"
	"github.com/torosent/keyshard/internal/planner"
)

func TestPrintPlanGroupsByResource(t *testing.T) {
	shards, err := planner.New(nil).Plan(planner.Job{
		Model:          "gemini-pro",
		Configurations: []planner.Configuration{{Variant: "baseline"}, {Variant: "fault-a", Reliability: 0.9}},
		Instances:      5,
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	var buf bytes.Buffer
	PrintPlan(&buf, shards)
	output := buf.String()

	for _, want := range []string{
		"Shards:            2",
		"Instances:         10",
		"google:0:standard (shared, qps=2)",
		"google:1:standard (shared, qps=2)",
		"variant=fault-a reliability=0.9",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in plan output:\n%s", want, output)
		}
	}
}

func TestPrintPlanUnlimited(t *testing.T) {
	shards, err := planner.New(nil).Plan(planner.Job{Model: "claude-sonnet", Instances: 3})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	var buf bytes.Buffer
	PrintPlan(&buf, shards)
	if !strings.Contains(buf.String(), "(dedicated, qps=unlimited)") {
		t.Errorf("Expected dedicated resource line, got:\n%s", buf.String())
	}
}

func TestPrintResults(t *testing.T) {
	results := []planner.ShardResult{
		{
			Shard:    planner.Shard{ID: "s1", Model: "qwen-7b", Resource: "qwen:0:standard", Instances: 4},
			Status:   planner.StatusDone,
			Duration: 1500 * time.Millisecond,
			Stats:    &metrics.Stats{PassRate: 0.75, P90LatencyMs: 42},
		},
		{
			Shard:  planner.Shard{ID: "s2", Model: "qwen-7b", Resource: "qwen:1:standard", Instances: 4},
			Status: planner.StatusFailed,
			Err:    errors.New("exited with code 1"),
			Error:  "exited with code 1",
		},
	}

	var buf bytes.Buffer
	PrintResults(&buf, results)
	output := buf.String()

	for _, want := range []string{
		"Done:              1",
		"Failed:            1",
		"[DONE] s1 qwen-7b on qwen:0:standard",
		"pass=75.0%, p90=42.0ms",
		"[FAILED] s2",
		"error: exited with code 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in results output:\n%s", want, output)
		}
	}
}

func TestPrintSnapshotDepth(t *testing.T) {
	snap := aggregate.New(time.Unix(1700000000, 0))
	snap.Fold(aggregate.Result{Model: "qwen-7b", Variant: "baseline", Difficulty: "easy", TaskType: "math", Passed: true, Score: 1})
	snap.Fold(aggregate.Result{Model: "qwen-7b", Variant: "fault-a", Difficulty: "hard", Passed: false})
	snap.Fold(aggregate.Result{Model: "gemini-pro", Variant: "baseline", Passed: true, Score: 0.5})

	var flat, deep bytes.Buffer
	PrintSnapshot(&flat, snap, 0)
	PrintSnapshot(&deep, snap, 1)

	if !strings.Contains(flat.String(), "- qwen-7b: total=2, passed=1, failed=1") {
		t.Errorf("Expected model line, got:\n%s", flat.String())
	}
	if strings.Contains(flat.String(), "fault-a") {
		t.Errorf("Depth 0 should not print variants:\n%s", flat.String())
	}
	if !strings.Contains(deep.String(), "    - fault-a: total=1") {
		t.Errorf("Depth 1 should print variants:\n%s", deep.String())
	}
	// Models sort by volume.
	if strings.Index(flat.String(), "qwen-7b") > strings.Index(flat.String(), "gemini-pro") {
		t.Errorf("Expected busier model first:\n%s", flat.String())
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	err := PrintJSON(&buf, planner.ShardResult{Shard: planner.Shard{ID: "s1"}, Status: planner.StatusFailed, Error: "boom"})
	if err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, `"error": "boom"`) || !strings.Contains(output, `"status": "failed"`) {
		t.Errorf("Unexpected JSON output: %s", output)
	}
}
