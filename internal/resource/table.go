package resource

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultProvider  = "default"
	DefaultSizeClass = "standard"
	// DefaultQPS is the conservative ceiling applied to unrecognized providers.
	DefaultQPS = 1.0
)

// Entry is one row of the provider table.
type Entry struct {
	Name      string   `yaml:"name"`
	Prefixes  []string `yaml:"prefixes"`
	Provider  string   `yaml:"provider"`
	Class     string   `yaml:"class"`
	Keys      int      `yaml:"keys"`
	QPS       float64  `yaml:"qps"`
	Workers   int      `yaml:"workers"`
	SizeClass string   `yaml:"size_class"`
}

// Table is the ordered provider classification table. The first matching
// entry wins, so more specific prefixes belong first.
type Table struct {
	Providers []Entry `yaml:"providers"`
	Default   Entry   `yaml:"default"`
}

// DefaultTable returns the built-in provider table.
func DefaultTable() Table {
	return Table{
		Providers: []Entry{
			{Name: "anthropic", Prefixes: []string{"claude-"}, Provider: "anthropic", Class: "dedicated", Keys: 1, Workers: 8},
			{Name: "openai", Prefixes: []string{"gpt-", "o1", "o3", "o4"}, Provider: "openai", Class: "dedicated", Keys: 1, Workers: 16},
			{Name: "local", Prefixes: []string{"local/", "ollama/"}, Provider: "local", Class: "dedicated", Keys: 1, Workers: 4},
			{Name: "gemini", Prefixes: []string{"gemini-"}, Provider: "google", Class: "shared", Keys: 3, QPS: 2, Workers: 1},
			{Name: "qwen", Prefixes: []string{"qwen"}, Provider: "qwen", Class: "shared", Keys: 2, QPS: 1, Workers: 1},
			{Name: "deepseek", Prefixes: []string{"deepseek-"}, Provider: "deepseek", Class: "shared", Keys: 4, QPS: 0.5, Workers: 1},
		},
		Default: Entry{Name: DefaultProvider, Provider: DefaultProvider, Class: "shared", Keys: 1, QPS: DefaultQPS, Workers: 1},
	}
}

// LoadTable reads a YAML provider table. Entries missing from the file's
// default section fall back to the built-in conservative default.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read provider table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parse provider table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	t.normalize()
	return t, nil
}

// Validate checks every entry for usable values.
func (t Table) Validate() error {
	var issues []string
	for i, e := range t.Providers {
		label := e.Name
		if label == "" {
			label = fmt.Sprintf("providers[%d]", i)
		}
		if len(e.Prefixes) == 0 {
			issues = append(issues, label+": at least one prefix is required")
		}
		if _, err := ParseClass(e.Class); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", label, err))
		}
		if e.QPS < 0 {
			issues = append(issues, label+": qps must be >= 0")
		}
		if e.Keys < 0 {
			issues = append(issues, label+": keys must be >= 0")
		}
	}
	if len(issues) > 0 {
		return fmt.Errorf("invalid provider table: %s", strings.Join(issues, "; "))
	}
	return nil
}

func (t *Table) normalize() {
	fallback := DefaultTable().Default
	if t.Default.Provider == "" {
		t.Default.Provider = fallback.Provider
	}
	if t.Default.Name == "" {
		t.Default.Name = t.Default.Provider
	}
	if t.Default.Class == "" {
		t.Default.Class = fallback.Class
	}
	if t.Default.QPS <= 0 {
		t.Default.QPS = fallback.QPS
	}
	if t.Default.Keys <= 0 {
		t.Default.Keys = 1
	}
	if t.Default.Workers <= 0 {
		t.Default.Workers = 1
	}
	for i := range t.Providers {
		e := &t.Providers[i]
		if e.Provider == "" {
			e.Provider = e.Name
		}
		if e.Keys <= 0 {
			e.Keys = 1
		}
		if e.Workers <= 0 {
			e.Workers = 1
		}
		for j, p := range e.Prefixes {
			e.Prefixes[j] = strings.ToLower(strings.TrimSpace(p))
		}
	}
}

func (e Entry) matches(model string) bool {
	for _, p := range e.Prefixes {
		if p != "" && strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func (e Entry) capability(model string, matched bool) Capability {
	class, _ := ParseClass(e.Class)
	if !matched {
		class = ClassUnknown
	}
	size := e.SizeClass
	if size == "" {
		size = DefaultSizeClass
	}
	keys := e.Keys
	if keys <= 0 {
		keys = 1
	}
	ids := make([]ID, keys)
	for i := range ids {
		ids[i] = NewID(e.Provider, i, size)
	}
	qps := e.QPS
	if class == ClassDedicated {
		qps = 0
	}
	return Capability{
		Model:     model,
		Provider:  e.Provider,
		Family:    e.Name,
		SizeClass: size,
		Class:     class,
		Resources: ids,
		QPS:       qps,
		Workers:   e.Workers,
		Matched:   matched,
	}
}
