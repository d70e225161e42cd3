package resource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyKnownProviders(t *testing.T) {
	c := DefaultClassifier()

	tests := []struct {
		model   string
		class   Class
		pool    int
		qps     float64
		workers int
	}{
		{"claude-3-5-sonnet", ClassDedicated, 1, 0, 8},
		{"GPT-4o", ClassDedicated, 1, 0, 16},
		{"gemini-1.5-pro", ClassSharedPool, 3, 2, 1},
		{"qwen2.5-7b-instruct", ClassSharedPool, 2, 1, 1},
		{"deepseek-chat", ClassSharedPool, 4, 0.5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := c.Classify(tt.model)
			require.True(t, got.Matched)
			require.Equal(t, tt.class, got.Class)
			require.Equal(t, tt.pool, got.PoolSize())
			require.Equal(t, tt.qps, got.QPS)
			require.Equal(t, tt.workers, got.Workers)
		})
	}
}

func TestClassifyUnknownFallsBackToDefault(t *testing.T) {
	got := DefaultClassifier().Classify("mystery-model")
	require.False(t, got.Matched)
	require.Equal(t, ClassUnknown, got.Class)
	require.Equal(t, []ID{"default:0:standard"}, got.Resources)
	require.Equal(t, DefaultQPS, got.QPS)
}

func TestResourceIDsAreCanonical(t *testing.T) {
	got := DefaultClassifier().Classify("gemini-2.0-flash")
	require.Equal(t, []ID{"google:0:standard", "google:1:standard", "google:2:standard"}, got.Resources)
	require.Equal(t, ID("google:1:standard"), got.Resource(4))
}

func TestSiblingsShareAPool(t *testing.T) {
	c := DefaultClassifier()
	require.True(t, c.Siblings("qwen2.5-7b", "qwen2.5-72b"))
	require.False(t, c.Siblings("qwen2.5-7b", "gemini-pro"))
	require.False(t, c.Siblings("claude-3-opus", "claude-3-haiku"))
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	contents := `
providers:
  - name: mistral
    prefixes: ["Mistral-"]
    class: shared
    keys: 2
    qps: 3
    size_class: large
default:
  qps: 0.25
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	table, err := LoadTable(path)
	require.NoError(t, err)

	c := NewClassifier(table)
	got := c.Classify("mistral-large")
	require.True(t, got.Matched)
	require.Equal(t, []ID{"mistral:0:large", "mistral:1:large"}, got.Resources)
	require.Equal(t, 3.0, got.QPS)

	fallback := c.Classify("claude-3")
	require.False(t, fallback.Matched)
	require.Equal(t, 0.25, fallback.QPS)
}

func TestLoadTableRejectsBadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	contents := `
providers:
  - name: broken
    class: sideways
    qps: -1
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := LoadTable(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least one prefix")
	require.Contains(t, err.Error(), "qps must be >= 0")
}
