package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"
)

// State is the shared record of a resource's most recent acquisition.
type State struct {
	// LastRequestTime is seconds since the Unix epoch.
	LastRequestTime float64 `json:"last_request_time"`
	PID             int     `json:"pid"`
}

// Time converts LastRequestTime back into a time.Time.
func (s State) Time() time.Time {
	sec := int64(s.LastRequestTime)
	nsec := int64(math.Round((s.LastRequestTime - float64(sec)) * 1e9))
	return time.Unix(sec, nsec)
}

func stateAt(t time.Time, pid int) State {
	return State{LastRequestTime: float64(t.UnixNano()) / 1e9, PID: pid}
}

// Backend persists per-resource State where other processes can see it.
// Load reports ok=false when no state exists for the resource.
type Backend interface {
	Load(ctx context.Context, id string) (State, bool, error)
	Store(ctx context.Context, id string, s State) error
}

// Locker is implemented by backends that can hold a cross-process lock
// around one resource's read-wait-write cycle.
type Locker interface {
	Lock(ctx context.Context, id string) (unlock func(), err error)
}

// FileBackend keeps one JSON state file per resource in a directory. It is
// the single-host backend: processes on one machine coordinate through it.
type FileBackend struct {
	dir        string
	retryDelay time.Duration
}

// NewFileBackend creates the state directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create limiter state dir: %w", err)
	}
	return &FileBackend{dir: dir, retryDelay: 5 * time.Millisecond}, nil
}

// Dir returns the state directory.
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) path(id, ext string) string {
	return filepath.Join(b.dir, sanitize(id)+ext)
}

func (b *FileBackend) Load(_ context.Context, id string) (State, bool, error) {
	data, err := os.ReadFile(b.path(id, ".json"))
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, false, fmt.Errorf("decode limiter state %s: %w", id, err)
	}
	return s, true, nil
}

// Store writes through a temp file and rename so readers never see a torn record.
func (b *FileBackend) Store(_ context.Context, id string, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(b.dir, sanitize(id)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, b.path(id, ".json")); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (b *FileBackend) Lock(ctx context.Context, id string) (func(), error) {
	fl := flock.New(b.path(id, ".lock"))
	locked, err := fl.TryLockContext(ctx, b.retryDelay)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("limiter lock %s not acquired", id)
	}
	return func() { _ = fl.Unlock() }, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// RedisBackend stores state in Redis so limiters on several hosts can share
// it. Keys expire after the staleness window, so a dead writer's state
// disappears on its own.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisBackend(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

func (b *RedisBackend) key(id string) string {
	if b.prefix == "" {
		return "ratelimit:" + id
	}
	return fmt.Sprintf("%s:ratelimit:%s", b.prefix, id)
}

func (b *RedisBackend) Load(ctx context.Context, id string) (State, bool, error) {
	data, err := b.client.Get(ctx, b.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, false, fmt.Errorf("decode limiter state %s: %w", id, err)
	}
	return s, true, nil
}

func (b *RedisBackend) Store(ctx context.Context, id string, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.key(id), data, b.ttl).Err()
}

// MemoryBackend shares state between limiters of one process only.
type MemoryBackend struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{states: make(map[string]State)}
}

func (b *MemoryBackend) Load(_ context.Context, id string) (State, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[id]
	return s, ok, nil
}

func (b *MemoryBackend) Store(_ context.Context, id string, s State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[id] = s
	return nil
}
