package ratelimit

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registry caches one Limiter per resource id.
type Registry struct {
	opts     Options
	mu       sync.Mutex
	limiters map[string]*Limiter
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts.normalize(),
		limiters: make(map[string]*Limiter),
	}
}

// Get returns the limiter for id, creating it with qps on first use. The
// ceiling is a property of the resource, so later calls with a different
// qps reuse the existing limiter.
func (r *Registry) Get(id string, qps float64) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[id]; ok {
		return l
	}
	l := newLimiter(id, qps, r.opts)
	r.limiters[id] = l
	return l
}

// Acquire is shorthand for Get(id, qps).Acquire().
func (r *Registry) Acquire(id string, qps float64) {
	r.Get(id, qps).Acquire()
}

// Reset drops every cached limiter. Shared backend state is left alone.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters = make(map[string]*Limiter)
}

// Len reports the number of cached limiters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// DefaultStateDir is where the default registry keeps its state files.
func DefaultStateDir() string {
	return filepath.Join(os.TempDir(), "keyshard-ratelimit")
}

var (
	defaultRegistry atomic.Pointer[Registry]
	defaultMu       sync.Mutex
)

// Default returns the process-wide registry, creating a file-backed one
// under DefaultStateDir on first use.
func Default() *Registry {
	if r := defaultRegistry.Load(); r != nil {
		return r
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if r := defaultRegistry.Load(); r != nil {
		return r
	}
	opts := Options{}
	if fb, err := NewFileBackend(DefaultStateDir()); err == nil {
		opts.Backend = fb
	} else {
		zap.L().Warn("limiter state dir unavailable, using process-local state", zap.Error(err))
	}
	r := NewRegistry(opts)
	defaultRegistry.Store(r)
	return r
}

// SetDefault installs r as the process-wide registry.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry.Store(r)
}

// ResetDefault discards the process-wide registry. Tests call it in cleanup.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry.Store(nil)
}
