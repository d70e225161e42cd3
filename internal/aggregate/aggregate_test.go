package aggregate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFoldMaintainsParentSums(t *testing.T) {
	s := New(time.Unix(1700000000, 0))
	results := []Result{
		{Model: "qwen-7b", Variant: "baseline", Reliability: 0.9, Difficulty: "easy", TaskType: "math", Passed: true, Score: 1, Latency: 100 * time.Millisecond},
		{Model: "qwen-7b", Variant: "baseline", Reliability: 0.9, Difficulty: "hard", TaskType: "math", Passed: false, Score: 0, Latency: 300 * time.Millisecond},
		{Model: "qwen-7b", Variant: "fault-a", Reliability: 0.9, Difficulty: "easy", TaskType: "code", Passed: true, Score: 0.5, Latency: 200 * time.Millisecond},
		{Model: "gemini-pro", Passed: true, Score: 1},
	}
	for _, r := range results {
		s.Fold(r)
	}

	require.NoError(t, s.Verify())

	qwen := s.Models["qwen-7b"]
	require.EqualValues(t, 3, qwen.Total)
	require.EqualValues(t, 2, qwen.Passed)
	require.InDelta(t, 0.5, qwen.MeanScore, 1e-9)
	require.InDelta(t, 200, qwen.MeanLatencyMs, 1e-9)

	baseline := qwen.Children["baseline"]
	require.EqualValues(t, 2, baseline.Total)
	require.Contains(t, baseline.Children, "0.9")
	require.Contains(t, baseline.Children["0.9"].Children, "hard")

	gemini := s.Models["gemini-pro"]
	require.Contains(t, gemini.Children, AnyKey)

	require.Equal(t, 2, s.Summary.Models)
	require.EqualValues(t, 4, s.Summary.Total)
	require.InDelta(t, 0.75, s.Summary.PassRate, 1e-9)
}

func TestVerifyDetectsBrokenInvariant(t *testing.T) {
	s := New(time.Now())
	s.Fold(Result{Model: "m", Variant: "v", Passed: true})
	s.Models["m"].Total = 7
	require.Error(t, s.Verify())

	s.Recompute()
	require.NoError(t, s.Verify())
	require.EqualValues(t, 1, s.Models["m"].Total)
}

func TestCloneIsDeep(t *testing.T) {
	s := New(time.Now())
	s.Fold(Result{Model: "m", Variant: "v", Passed: true})
	c := s.Clone()
	c.Fold(Result{Model: "m", Variant: "v", Passed: false})

	require.EqualValues(t, 1, s.Models["m"].Total)
	require.EqualValues(t, 1, s.Models["m"].Children["v"].Total)
	require.EqualValues(t, 2, c.Models["m"].Total)
}

func TestMergeMissingCopiesDisjointEntries(t *testing.T) {
	disk := New(time.Unix(100, 0))
	disk.Fold(Result{Model: "A", Variant: "v1", Passed: true})
	disk.Fold(Result{Model: "C", Variant: "v1", Passed: true})
	disk.Fold(Result{Model: "A", Variant: "v2", Passed: false})

	ours := New(time.Unix(200, 0))
	ours.Fold(Result{Model: "A", Variant: "v1", Passed: true})
	ours.Fold(Result{Model: "A", Variant: "v1", Passed: true})
	ours.Fold(Result{Model: "B", Variant: "v1", Passed: false})

	added := ours.MergeMissing(disk)
	require.Equal(t, []string{"A/v2", "C"}, added)
	require.Contains(t, ours.Models, "B")
	require.Contains(t, ours.Models, "C")

	// Shared leaf keeps the incoming value.
	require.EqualValues(t, 2, ours.Models["A"].Children["v1"].Total)
	require.EqualValues(t, 3, ours.Models["A"].Total)
	require.Equal(t, time.Unix(100, 0).UTC(), ours.CreatedAt)
	require.NoError(t, ours.Verify())
}

func TestMergeMissingOnLeafOnlyModels(t *testing.T) {
	var disk, ours Snapshot
	require.NoError(t, json.Unmarshal([]byte(`{"models":{"A":{"total":5},"C":{"total":2}}}`), &disk))
	require.NoError(t, json.Unmarshal([]byte(`{"models":{"A":{"total":5},"B":{"total":3}}}`), &ours))

	ours.MergeMissing(&disk)
	require.Len(t, ours.Models, 3)
	require.EqualValues(t, 2, ours.Models["C"].Total)
	require.EqualValues(t, 5, ours.Models["A"].Total)
}

func TestReliabilityBucket(t *testing.T) {
	require.Equal(t, AnyKey, ReliabilityBucket(0))
	require.Equal(t, "0.95", ReliabilityBucket(0.95))
	require.Equal(t, "1", ReliabilityBucket(1))
}
