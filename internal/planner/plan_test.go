package planner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torosent/keyshard/internal/resource"
)

func poolClassifier(keys int) *resource.Classifier {
	return resource.NewClassifier(resource.Table{
		Providers: []resource.Entry{
			{Name: "pool", Prefixes: []string{"pool-"}, Provider: "pool", Class: "shared", Keys: keys, QPS: 2, Workers: 1},
			{Name: "solo", Prefixes: []string{"solo-"}, Provider: "solo", Class: "dedicated", Keys: 1, Workers: 6},
		},
	})
}

func configs(n int) []Configuration {
	out := make([]Configuration, n)
	for i := range out {
		out[i] = Configuration{Variant: fmt.Sprintf("fault-%d", i)}
	}
	return out
}

func TestSplit(t *testing.T) {
	tests := []struct {
		n, k int
		want []int
	}{
		{10, 3, []int{4, 3, 3}},
		{9, 3, []int{3, 3, 3}},
		{11, 4, []int{3, 3, 3, 2}},
		{2, 3, []int{1, 1}},
		{1, 4, []int{1}},
		{5, 0, []int{5}},
		{0, 3, nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.k), func(t *testing.T) {
			require.Equal(t, tt.want, Split(tt.n, tt.k))
		})
	}
}

func TestPlanSharedSingleConfigurationSplitsEvenly(t *testing.T) {
	for k := 1; k <= 5; k++ {
		p := New(poolClassifier(k))
		for n := 1; n <= 40; n++ {
			shards, err := p.Plan(Job{Model: "pool-large", Instances: n})
			require.NoError(t, err)

			require.Equal(t, n, TotalInstances(shards), "n=%d k=%d", n, k)
			require.Len(t, shards, min(n, k))
			floor := n / k
			for i, s := range shards {
				want := floor
				if i < n%k {
					want++
				}
				require.Equal(t, want, s.Instances, "n=%d k=%d shard %d", n, k, i)
				require.Positive(t, s.Instances)
				require.Equal(t, resource.NewID("pool", i, resource.DefaultSizeClass), s.Resource)
			}
		}
	}
}

func TestPlanSharedMultipleConfigurationsRoundRobin(t *testing.T) {
	p := New(poolClassifier(4))
	shards, err := p.Plan(Job{Model: "pool-small", Configurations: configs(6), Instances: 5})
	require.NoError(t, err)
	require.Len(t, shards, 6)

	for i, s := range shards {
		require.Equal(t, fmt.Sprintf("fault-%d", i), s.Config.Variant)
		require.Equal(t, resource.NewID("pool", i%4, resource.DefaultSizeClass), s.Resource)
		require.Equal(t, 5, s.Instances)
		require.Equal(t, resource.ClassSharedPool, s.Class)
		require.Equal(t, 2.0, s.QPS)
		require.Equal(t, StatusPending, s.Status)
	}
}

func TestPlanDedicatedOneShardPerConfiguration(t *testing.T) {
	p := New(poolClassifier(3))
	shards, err := p.Plan(Job{Model: "solo-pro", Configurations: configs(2), Instances: 50})
	require.NoError(t, err)
	require.Len(t, shards, 2)
	for _, s := range shards {
		require.Equal(t, 50, s.Instances)
		require.Equal(t, resource.ClassDedicated, s.Class)
		require.Zero(t, s.QPS)
		require.Equal(t, 6, s.Workers)
		require.False(t, s.Shared())
	}
}

func TestPlanUnknownModelFallsBackToDefaultResource(t *testing.T) {
	p := New(poolClassifier(3))
	shards, err := p.Plan(Job{Model: "mystery-1", Instances: 12})
	require.NoError(t, err)
	require.Len(t, shards, 1)

	s := shards[0]
	require.Equal(t, 12, s.Instances)
	require.Equal(t, resource.ClassUnknown, s.Class)
	require.Equal(t, resource.NewID(resource.DefaultProvider, 0, resource.DefaultSizeClass), s.Resource)
	require.Equal(t, resource.DefaultQPS, s.QPS)
	require.True(t, s.Shared())
}

func TestPlanKeyIndexPinsResource(t *testing.T) {
	p := New(poolClassifier(2))
	idx := 5
	shards, err := p.Plan(Job{Model: "pool-small", Configurations: configs(3), Instances: 4, KeyIndex: &idx})
	require.NoError(t, err)
	require.Len(t, shards, 3)
	for _, s := range shards {
		require.Equal(t, resource.NewID("pool", 1, resource.DefaultSizeClass), s.Resource)
		require.Equal(t, 4, s.Instances)
	}
}

func TestPlanWorkersOverrideAndIDs(t *testing.T) {
	p := New(poolClassifier(2))
	shards, err := p.Plan(Job{ID: "job-1", Model: "pool-small", Instances: 4, Workers: 3})
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, s := range shards {
		require.Equal(t, 3, s.Workers)
		require.Equal(t, "job-1", s.JobID)
		require.NotEmpty(t, s.ID)
		require.False(t, seen[s.ID])
		seen[s.ID] = true
	}
}

func TestPlanRejectsInvalidJobs(t *testing.T) {
	p := New(nil)
	negative := -1
	for name, job := range map[string]Job{
		"no model":           {Instances: 3},
		"zero instances":     {Model: "gemini-pro"},
		"negative key idx":   {Model: "gemini-pro", Instances: 1, KeyIndex: &negative},
		"negative instances": {Model: "gemini-pro", Instances: -2},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.Plan(job)
			require.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestPlanSiblingsContinueRoundRobin(t *testing.T) {
	p := New(poolClassifier(3))
	shards, err := p.PlanSiblings([]Job{
		{Model: "pool-7b", Configurations: configs(2), Instances: 2},
		{Model: "pool-72b", Configurations: configs(2), Instances: 2},
		{Model: "solo-pro", Instances: 2},
	})
	require.NoError(t, err)
	require.Len(t, shards, 5)

	var got []int
	for _, s := range shards[:4] {
		var idx int
		_, err := fmt.Sscanf(string(s.Resource), "pool:%d:", &idx)
		require.NoError(t, err)
		got = append(got, idx)
	}
	require.Equal(t, []int{0, 1, 2, 0}, got)
	require.Equal(t, "solo-pro", shards[4].Model)
}

func TestPlanSiblingsPropagatesErrors(t *testing.T) {
	_, err := New(nil).PlanSiblings([]Job{{Model: "gemini-pro", Instances: 1}, {Model: "gemini-flash"}})
	require.ErrorIs(t, err, ErrInvalidJob)
}

func TestDefaultTableSiblings(t *testing.T) {
	p := New(nil)
	a, err := p.Plan(Job{Model: "qwen-7b", Instances: 1})
	require.NoError(t, err)
	b, err := p.Plan(Job{Model: "qwen-72b", Instances: 1})
	require.NoError(t, err)
	require.Equal(t, a[0].Resource, b[0].Resource)
	require.True(t, a[0].Shared())
}
