// Package aggregate holds the cumulative statistics document that shard runs
// fold their unit results into.
//
// The document is a tree keyed model → variant → reliability bucket →
// difficulty → task type. Every node carries counts and running means, and a
// parent's totals always equal the sum of its children's.
package aggregate

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// SchemaVersion tags every snapshot written by this package.
const SchemaVersion = "1.0"

// AnyKey is used for path segments a result leaves empty.
const AnyKey = "any"

// Result is one unit's outcome, as produced by the unit executor.
type Result struct {
	Model       string        `json:"model"`
	Variant     string        `json:"variant"`
	Reliability float64       `json:"reliability"`
	Difficulty  string        `json:"difficulty"`
	TaskType    string        `json:"task_type"`
	Passed      bool          `json:"passed"`
	Score       float64       `json:"score"`
	Latency     time.Duration `json:"latency"`
}

// Path returns the tree keys below the model level.
func (r Result) Path() []string {
	return []string{
		orAny(r.Variant),
		ReliabilityBucket(r.Reliability),
		orAny(r.Difficulty),
		orAny(r.TaskType),
	}
}

// ReliabilityBucket renders a reliability target as a stable map key.
func ReliabilityBucket(r float64) string {
	if r <= 0 {
		return AnyKey
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

func orAny(s string) string {
	if s == "" {
		return AnyKey
	}
	return s
}

// Node is one level of the aggregate tree.
type Node struct {
	Total         int64            `json:"total"`
	Passed        int64            `json:"passed"`
	Failed        int64            `json:"failed"`
	MeanScore     float64          `json:"mean_score"`
	MeanLatencyMs float64          `json:"mean_latency_ms"`
	Children      map[string]*Node `json:"children,omitempty"`
}

func (n *Node) add(r Result) {
	n.Total++
	if r.Passed {
		n.Passed++
	} else {
		n.Failed++
	}
	count := float64(n.Total)
	n.MeanScore += (r.Score - n.MeanScore) / count
	latencyMs := float64(r.Latency) / float64(time.Millisecond)
	n.MeanLatencyMs += (latencyMs - n.MeanLatencyMs) / count
}

func (n *Node) child(key string) *Node {
	if n.Children == nil {
		n.Children = make(map[string]*Node)
	}
	c, ok := n.Children[key]
	if !ok {
		c = &Node{}
		n.Children[key] = c
	}
	return c
}

// PassRate reports Passed/Total, or 0 for an empty node.
func (n *Node) PassRate() float64 {
	if n == nil || n.Total == 0 {
		return 0
	}
	return float64(n.Passed) / float64(n.Total)
}

func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Children != nil {
		out.Children = make(map[string]*Node, len(n.Children))
		for k, c := range n.Children {
			out.Children[k] = c.clone()
		}
	}
	return &out
}

// recompute rebuilds this node's totals from its children, bottom up.
// Leaves keep their own values.
func (n *Node) recompute() {
	if len(n.Children) == 0 {
		return
	}
	var total, passed, failed int64
	var scoreSum, latencySum float64
	for _, c := range n.Children {
		c.recompute()
		total += c.Total
		passed += c.Passed
		failed += c.Failed
		scoreSum += c.MeanScore * float64(c.Total)
		latencySum += c.MeanLatencyMs * float64(c.Total)
	}
	n.Total, n.Passed, n.Failed = total, passed, failed
	n.MeanScore, n.MeanLatencyMs = 0, 0
	if total > 0 {
		n.MeanScore = scoreSum / float64(total)
		n.MeanLatencyMs = latencySum / float64(total)
	}
}

func (n *Node) verify(path string) error {
	if n.Passed+n.Failed != n.Total {
		return fmt.Errorf("%s: passed %d + failed %d != total %d", path, n.Passed, n.Failed, n.Total)
	}
	if len(n.Children) == 0 {
		return nil
	}
	var total, passed int64
	for _, k := range sortedKeys(n.Children) {
		c := n.Children[k]
		if err := c.verify(path + "/" + k); err != nil {
			return err
		}
		total += c.Total
		passed += c.Passed
	}
	if total != n.Total || passed != n.Passed {
		return fmt.Errorf("%s: totals %d/%d do not match children %d/%d", path, n.Total, n.Passed, total, passed)
	}
	return nil
}

// Summary holds the global rollup across all models.
type Summary struct {
	Models    int     `json:"models"`
	Total     int64   `json:"total"`
	Passed    int64   `json:"passed"`
	Failed    int64   `json:"failed"`
	PassRate  float64 `json:"pass_rate"`
	MeanScore float64 `json:"mean_score"`
}

// Snapshot is the full aggregate document. Callers treat a loaded snapshot
// as their own copy; the store never hands out its cached value directly.
type Snapshot struct {
	Version     string           `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	LastUpdated time.Time        `json:"last_updated"`
	Models      map[string]*Node `json:"models"`
	Summary     Summary          `json:"summary"`
}

// New returns an empty snapshot stamped with now.
func New(now time.Time) *Snapshot {
	return &Snapshot{
		Version:     SchemaVersion,
		CreatedAt:   now.UTC(),
		LastUpdated: now.UTC(),
		Models:      make(map[string]*Node),
	}
}

// Fold applies one result to every node on its path and refreshes the summary.
func (s *Snapshot) Fold(r Result) {
	if s.Models == nil {
		s.Models = make(map[string]*Node)
	}
	model := orAny(r.Model)
	n, ok := s.Models[model]
	if !ok {
		n = &Node{}
		s.Models[model] = n
	}
	n.add(r)
	for _, key := range r.Path() {
		n = n.child(key)
		n.add(r)
	}
	s.refreshSummary()
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Models = make(map[string]*Node, len(s.Models))
	for k, n := range s.Models {
		out.Models[k] = n.clone()
	}
	return &out
}

// Recompute rebuilds every parent from its children and refreshes the
// summary. It restores the sum invariant after nodes were merged in.
func (s *Snapshot) Recompute() {
	for _, n := range s.Models {
		if n != nil {
			n.recompute()
		}
	}
	s.refreshSummary()
}

// Verify checks the parent-sum invariant over the whole tree.
func (s *Snapshot) Verify() error {
	for _, k := range sortedKeys(s.Models) {
		n := s.Models[k]
		if n == nil {
			return fmt.Errorf("%s: nil node", k)
		}
		if err := n.verify(k); err != nil {
			return err
		}
	}
	return nil
}

// MergeMissing copies into s every model present in other but absent from s,
// and for models both contain, every variant s lacks. Entries s already has
// keep s's values. It reports the keys it copied.
func (s *Snapshot) MergeMissing(other *Snapshot) []string {
	if other == nil {
		return nil
	}
	if s.Models == nil {
		s.Models = make(map[string]*Node)
	}
	var added []string
	for _, model := range sortedKeys(other.Models) {
		theirs := other.Models[model]
		if theirs == nil {
			continue
		}
		ours, ok := s.Models[model]
		if !ok || ours == nil {
			s.Models[model] = theirs.clone()
			added = append(added, model)
			continue
		}
		// A model with only leaf totals has no variants to merge.
		if len(ours.Children) == 0 {
			continue
		}
		for _, variant := range sortedKeys(theirs.Children) {
			if _, exists := ours.Children[variant]; exists {
				continue
			}
			ours.Children[variant] = theirs.Children[variant].clone()
			added = append(added, model+"/"+variant)
		}
	}
	if !other.CreatedAt.IsZero() && (s.CreatedAt.IsZero() || other.CreatedAt.Before(s.CreatedAt)) {
		s.CreatedAt = other.CreatedAt
	}
	if len(added) > 0 {
		s.Recompute()
	}
	return added
}

func (s *Snapshot) refreshSummary() {
	var sum Summary
	var scoreSum float64
	for _, n := range s.Models {
		if n == nil {
			continue
		}
		sum.Models++
		sum.Total += n.Total
		sum.Passed += n.Passed
		sum.Failed += n.Failed
		scoreSum += n.MeanScore * float64(n.Total)
	}
	if sum.Total > 0 {
		sum.PassRate = float64(sum.Passed) / float64(sum.Total)
		sum.MeanScore = scoreSum / float64(sum.Total)
	}
	s.Summary = sum
}

func sortedKeys(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
