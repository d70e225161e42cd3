// Package planner turns a logical evaluation job into shards bound to single
// resources and dispatches them.
//
// Planning is driven entirely by the [resource.Capability] the classifier
// returns for a model:
//
//   - dedicated resources get one shard per configuration with the full
//     instance count;
//   - a shared pool of K resources gets an even split for a single
//     configuration, or configuration i on resource i mod K for several;
//   - unrecognized models get one shard on the conservative default resource.
//
// Dispatch routes shared-pool shards through the per-resource scheduler so
// sibling jobs drawing on the same key never run against it concurrently.
package planner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/keyshard/internal/resource"
)

// ErrInvalidJob is returned for jobs that cannot be planned.
var ErrInvalidJob = errors.New("invalid job")

// Status is a shard's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Configuration selects one variant of the evaluation.
type Configuration struct {
	Variant     string  `json:"variant,omitempty"`
	Difficulty  string  `json:"difficulty,omitempty"`
	TaskFilter  string  `json:"task_filter,omitempty"`
	Reliability float64 `json:"reliability,omitempty"`
}

// Key identifies the configuration in ledgers and logs.
func (c Configuration) Key() string {
	return strings.Join([]string{
		c.Variant,
		c.Difficulty,
		c.TaskFilter,
		strconv.FormatFloat(c.Reliability, 'f', -1, 64),
	}, "/")
}

// Job is a logical request: Instances units for each configuration of Model.
type Job struct {
	ID             string
	Model          string
	Configurations []Configuration
	Instances      int
	// KeyIndex pins every shard to one pool member when set.
	KeyIndex *int
	// Workers overrides the provider's worker concurrency when positive.
	Workers int
}

// Shard is a bounded unit of work bound to exactly one resource.
type Shard struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	Model     string         `json:"model"`
	Resource  resource.ID    `json:"resource"`
	Class     resource.Class `json:"class"`
	QPS       float64        `json:"qps"`
	Instances int            `json:"instances"`
	Config    Configuration  `json:"config"`
	Workers   int            `json:"workers"`
	Status    Status         `json:"status"`
	Attempt   int            `json:"attempt,omitempty"`
}

// Shared reports whether the shard draws on a coordinated resource and must
// be serialized per resource.
func (s Shard) Shared() bool {
	return s.Class != resource.ClassDedicated
}

// Planner splits jobs into shards.
type Planner struct {
	classifier *resource.Classifier
}

// New returns a Planner; a nil classifier means resource.DefaultClassifier.
func New(c *resource.Classifier) *Planner {
	if c == nil {
		c = resource.DefaultClassifier()
	}
	return &Planner{classifier: c}
}

// Plan splits one job into shards.
func (p *Planner) Plan(job Job) ([]Shard, error) {
	return p.plan(job, 0)
}

// PlanSiblings plans several jobs together. Jobs drawing on the same shared
// pool continue the round-robin where the previous sibling stopped, so the
// first pool member is not always the busiest.
func (p *Planner) PlanSiblings(jobs []Job) ([]Shard, error) {
	offsets := make(map[string]int)
	var all []Shard
	for _, job := range jobs {
		capab := p.classifier.Classify(job.Model)
		pool := capab.Provider + "|" + capab.SizeClass
		shards, err := p.plan(job, offsets[pool])
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.Model, err)
		}
		offsets[pool] += len(shards)
		all = append(all, shards...)
	}
	return all, nil
}

func (p *Planner) plan(job Job, offset int) ([]Shard, error) {
	if strings.TrimSpace(job.Model) == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidJob)
	}
	if job.Instances <= 0 {
		return nil, fmt.Errorf("%w: instances must be positive, got %d", ErrInvalidJob, job.Instances)
	}
	if job.KeyIndex != nil && *job.KeyIndex < 0 {
		return nil, fmt.Errorf("%w: key index must be >= 0, got %d", ErrInvalidJob, *job.KeyIndex)
	}
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	configs := job.Configurations
	if len(configs) == 0 {
		configs = []Configuration{{}}
	}

	capab := p.classifier.Classify(job.Model)
	workers := job.Workers
	if workers <= 0 {
		workers = capab.Workers
	}
	if workers <= 0 {
		workers = 1
	}
	shard := func(res resource.ID, instances int, cfg Configuration) Shard {
		return Shard{
			ID:        ulid.Make().String(),
			JobID:     job.ID,
			Model:     job.Model,
			Resource:  res,
			Class:     capab.Class,
			QPS:       capab.QPS,
			Instances: instances,
			Config:    cfg,
			Workers:   workers,
			Status:    StatusPending,
		}
	}

	var shards []Shard
	switch {
	case job.KeyIndex != nil:
		res := capab.Resource(*job.KeyIndex)
		for _, cfg := range configs {
			shards = append(shards, shard(res, job.Instances, cfg))
		}

	case capab.Class == resource.ClassDedicated, capab.Class == resource.ClassUnknown:
		for _, cfg := range configs {
			shards = append(shards, shard(capab.Resource(0), job.Instances, cfg))
		}

	case len(configs) == 1:
		for i, n := range Split(job.Instances, capab.PoolSize()) {
			shards = append(shards, shard(capab.Resource(i+offset), n, configs[0]))
		}

	default:
		for i, cfg := range configs {
			shards = append(shards, shard(capab.Resource(i+offset), job.Instances, cfg))
		}
	}
	return shards, nil
}

// Split divides n across k parts: the first n mod k parts get one extra.
// Parts that would be empty are omitted, so n < k yields n parts of one.
func Split(n, k int) []int {
	if n <= 0 {
		return nil
	}
	if k <= 0 {
		k = 1
	}
	if n < k {
		k = n
	}
	parts := make([]int, k)
	base, rem := n/k, n%k
	for i := range parts {
		parts[i] = base
		if i < rem {
			parts[i]++
		}
	}
	return parts
}

// TotalInstances sums the instance counts of shards.
func TotalInstances(shards []Shard) int {
	total := 0
	for _, s := range shards {
		total += s.Instances
	}
	return total
}
