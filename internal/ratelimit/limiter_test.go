package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/torosent/keyshard/internal/metrics"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingBackend struct{}

func (failingBackend) Load(context.Context, string) (State, bool, error) {
	return State{}, false, errors.New("disk unavailable")
}

func (failingBackend) Store(context.Context, string, State) error {
	return errors.New("disk unavailable")
}

func TestUnlimitedReturnsImmediately(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := NewRegistry(Options{Now: clock.Now, Sleep: clock.Sleep})

	for i := 0; i < 100; i++ {
		require.Zero(t, reg.Get("local:0:standard", 0).Acquire())
	}
	require.Empty(t, clock.sleeps)
}

func TestAcquireSpacesCalls(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := NewRegistry(Options{Now: clock.Now, Sleep: clock.Sleep})
	l := reg.Get("google:0:standard", 4)

	require.Zero(t, l.Acquire())
	require.Equal(t, 250*time.Millisecond, l.Acquire())

	clock.Advance(100 * time.Millisecond)
	require.Equal(t, 150*time.Millisecond, l.Acquire())

	clock.Advance(time.Second)
	require.Zero(t, l.Acquire())
}

func TestSharedThrottlingAcrossGoroutines(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	reg := NewRegistry(Options{Backend: fb})

	start := time.Now()
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				reg.Acquire("qwen:0:standard", 10)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 1850*time.Millisecond)
	require.LessOrEqual(t, elapsed, 2500*time.Millisecond)
}

func TestResourcesAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := NewRegistry(Options{Now: clock.Now, Sleep: clock.Sleep})

	reg.Acquire("qwen:0:standard", 1)
	reg.Acquire("qwen:0:standard", 1)
	require.Len(t, clock.sleeps, 1)

	require.Zero(t, reg.Get("qwen:1:standard", 1).Acquire())
	require.Len(t, clock.sleeps, 1)
}

func TestSpacingAcrossRegistriesSharingState(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	dir := t.TempDir()
	interval := 50 * time.Millisecond

	var mu sync.Mutex
	var returns []time.Time
	var wg sync.WaitGroup
	for p := 0; p < 2; p++ {
		// Each registry stands in for a separate process.
		fb, err := NewFileBackend(dir)
		require.NoError(t, err)
		reg := NewRegistry(Options{Backend: fb})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				reg.Acquire("deepseek:0:standard", 20)
				mu.Lock()
				returns = append(returns, time.Now())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(returns, func(i, j int) bool { return returns[i].Before(returns[j]) })
	for i := 1; i < len(returns); i++ {
		gap := returns[i].Sub(returns[i-1])
		require.GreaterOrEqual(t, gap, interval-15*time.Millisecond, "gap %d was %s", i, gap)
	}
}

func TestStaleSharedStateIgnored(t *testing.T) {
	clock := &fakeClock{now: time.Unix(5000, 0)}
	backend := NewMemoryBackend()
	id := "google:0:standard"

	require.NoError(t, backend.Store(context.Background(), id, stateAt(clock.Now().Add(-10*time.Second), 4242)))
	l := NewRegistry(Options{Backend: backend, StaleAfter: 5 * time.Second, Now: clock.Now, Sleep: clock.Sleep}).Get(id, 1)
	require.Zero(t, l.Acquire())

	require.NoError(t, backend.Store(context.Background(), id, stateAt(clock.Now().Add(-300*time.Millisecond), 4242)))
	fresh := NewRegistry(Options{Backend: backend, StaleAfter: 5 * time.Second, Now: clock.Now, Sleep: clock.Sleep}).Get(id, 1)
	require.Equal(t, 700*time.Millisecond, fresh.Acquire())

	s, ok, err := backend.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, 4242, s.PID)
}

func TestBackendFailureDegradesToLocalSpacing(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	id := "broken:0:standard"
	before := testutil.ToFloat64(metrics.RateLimitDegraded.WithLabelValues(id, "load"))

	l := NewRegistry(Options{Backend: failingBackend{}, Now: clock.Now, Sleep: clock.Sleep}).Get(id, 2)
	require.Zero(t, l.Acquire())
	require.Equal(t, 500*time.Millisecond, l.Acquire())

	require.EqualValues(t, 4, l.Degraded())
	after := testutil.ToFloat64(metrics.RateLimitDegraded.WithLabelValues(id, "load"))
	require.Equal(t, 2.0, after-before)
}

func TestRedisBackend(t *testing.T) {
	redisServer, err := miniredis.Run()
	require.NoError(t, err)
	defer redisServer.Close()

	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("127.0.0.1:%s", redisServer.Port()),
	})
	defer client.Close()

	ctx := context.Background()
	backend := NewRedisBackend(client, "test", time.Minute)

	_, ok, err := backend.Load(ctx, "google:0:standard")
	require.NoError(t, err)
	require.False(t, ok)

	want := State{LastRequestTime: 1700000000.25, PID: 7}
	require.NoError(t, backend.Store(ctx, "google:0:standard", want))
	require.True(t, redisServer.Exists("test:ratelimit:google:0:standard"))

	got, ok, err := backend.Load(ctx, "google:0:standard")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	clock := &fakeClock{now: want.Time().Add(100 * time.Millisecond)}
	l := NewRegistry(Options{Backend: backend, Now: clock.Now, Sleep: clock.Sleep}).Get("google:0:standard", 2)
	require.Equal(t, 400*time.Millisecond, l.Acquire())
}

func TestFileBackendRoundTrip(t *testing.T) {
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := fb.Load(ctx, "a/b:0")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, fb.Store(ctx, "a/b:0", State{LastRequestTime: 12.5, PID: 3}))
	got, ok, err := fb.Load(ctx, "a/b:0")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, got.PID)
}

func TestDefaultRegistryReset(t *testing.T) {
	t.Cleanup(ResetDefault)

	custom := NewRegistry(Options{})
	SetDefault(custom)
	require.Same(t, custom, Default())

	ResetDefault()
	require.NotSame(t, custom, Default())
}
