// Package resource maps model identifiers onto the scarce, rate-limited
// resources (API keys, deployments) that serve them.
//
// Classification is table driven: a [Table] holds one [Entry] per provider and
// the [Classifier] picks the first entry whose prefix matches the model. The
// planner only ever sees the resulting [Capability] record, so no provider
// names leak into shard planning.
package resource

import (
	"fmt"
	"strings"
)

// Class describes how a provider's capacity may be consumed.
type Class int

const (
	// ClassUnknown is assigned to models no table entry recognizes.
	ClassUnknown Class = iota
	// ClassDedicated resources have no external rate ceiling worth coordinating.
	ClassDedicated
	// ClassSharedPool resources are a small set of keys with a per-key QPS ceiling.
	ClassSharedPool
)

func (c Class) String() string {
	switch c {
	case ClassDedicated:
		return "dedicated"
	case ClassSharedPool:
		return "shared"
	default:
		return "unknown"
	}
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(b []byte) error {
	parsed, err := ParseClass(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClass converts a table class name into a Class.
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dedicated", "unlimited":
		return ClassDedicated, nil
	case "shared", "pool", "shared_pool":
		return ClassSharedPool, nil
	case "", "unknown":
		return ClassUnknown, nil
	default:
		return ClassUnknown, fmt.Errorf("unknown resource class %q", s)
	}
}

// ID is the canonical resource identifier: provider:key-index:size-class.
type ID string

// NewID builds a canonical resource identifier.
func NewID(provider string, keyIndex int, sizeClass string) ID {
	if sizeClass == "" {
		sizeClass = DefaultSizeClass
	}
	return ID(fmt.Sprintf("%s:%d:%s", provider, keyIndex, sizeClass))
}

func (id ID) String() string { return string(id) }

// Capability is everything the planner needs to know about a model's resources.
type Capability struct {
	Model     string
	Provider  string
	Family    string
	SizeClass string
	Class     Class
	Resources []ID
	// QPS is the per-resource ceiling; 0 means unlimited.
	QPS     float64
	Workers int
	// Matched is false when the model fell through to the default entry.
	Matched bool
}

// PoolSize reports how many resources back this capability.
func (c Capability) PoolSize() int {
	return len(c.Resources)
}

// Resource returns the pool member for a key index, wrapping around the pool.
func (c Capability) Resource(keyIndex int) ID {
	if len(c.Resources) == 0 {
		return NewID(DefaultProvider, 0, DefaultSizeClass)
	}
	if keyIndex < 0 {
		keyIndex = -keyIndex
	}
	return c.Resources[keyIndex%len(c.Resources)]
}

// Classifier resolves model identifiers against a Table.
type Classifier struct {
	table Table
}

// NewClassifier creates a classifier over the given table.
func NewClassifier(t Table) *Classifier {
	t.normalize()
	return &Classifier{table: t}
}

// DefaultClassifier returns a classifier over DefaultTable.
func DefaultClassifier() *Classifier {
	return NewClassifier(DefaultTable())
}

// Classify maps a model identifier to its capability record. It never fails:
// unrecognized models get the table's conservative default entry.
func (c *Classifier) Classify(model string) Capability {
	key := strings.ToLower(strings.TrimSpace(model))
	for _, entry := range c.table.Providers {
		if entry.matches(key) {
			return entry.capability(model, true)
		}
	}
	return c.table.Default.capability(model, false)
}

// Siblings reports whether two models draw on the same resource pool.
func (c *Classifier) Siblings(a, b string) bool {
	ca, cb := c.Classify(a), c.Classify(b)
	if ca.Class != ClassSharedPool || cb.Class != ClassSharedPool {
		return false
	}
	return ca.Provider == cb.Provider && ca.SizeClass == cb.SizeClass
}
