package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offlinenav/pkg/errs"
	"offlinenav/pkg/geo"
	"offlinenav/pkg/tracker"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type mapPersister struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (p *mapPersister) GetCache(_ context.Context, key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok
}

func (p *mapPersister) SetCache(_ context.Context, key string, val []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string][]byte)
	}
	p.m[key] = val
	return nil
}

func newCache[T any](t *testing.T, cfg Config) *Keyed[T] {
	t.Helper()
	c, err := New[T](cfg)
	require.NoError(t, err)
	return c
}

func value[T any](v T) FetchFunc[T] {
	return func(context.Context) (T, error) { return v, nil }
}

func failing[T any](err error) FetchFunc[T] {
	return func(context.Context) (T, error) {
		var zero T
		return zero, err
	}
}

func TestFreshness(t *testing.T) {
	clk := newClock()
	ttl := 15 * time.Minute
	c := newCache[int](t, Config{TTL: ttl, Now: clk.Now})
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(v int) FetchFunc[int] {
		return func(context.Context) (int, error) {
			calls.Add(1)
			return v, nil
		}
	}

	v, st, err := c.Get(ctx, "k", fetch(1))
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, StatusFetched, st)

	clk.Advance(ttl - time.Second)
	v, st, err = c.Get(ctx, "k", fetch(2))
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, StatusFresh, st)
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(2 * time.Second)
	v, st, err = c.Get(ctx, "k", fetch(3))
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, StatusFetched, st)
	assert.Equal(t, int32(2), calls.Load())
}

func TestZeroTTLNeverStale(t *testing.T) {
	clk := newClock()
	c := newCache[string](t, Config{Now: clk.Now})
	ctx := context.Background()

	_, _, err := c.Get(ctx, "route", value("a"))
	require.NoError(t, err)
	clk.Advance(1000 * time.Hour)

	v, st, err := c.Get(ctx, "route", failing[string](errors.New("must not be called")))
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	assert.Equal(t, StatusFresh, st)
}

func TestStaleFallback(t *testing.T) {
	clk := newClock()
	tr := tracker.New()
	c := newCache[string](t, Config{Name: "nearby", TTL: time.Minute, Now: clk.Now, Tracker: tr})
	ctx := context.Background()

	_, _, err := c.Get(ctx, "k", value("old"))
	require.NoError(t, err)

	clk.Advance(time.Minute + time.Second)
	v, st, err := c.Get(ctx, "k", failing[string](fmt.Errorf("%w: status 503", errs.ErrNetwork)))
	require.NoError(t, err)
	assert.Equal(t, "old", v)
	assert.Equal(t, StatusStale, st)

	clk.Advance(24 * time.Hour)
	v, st, err = c.Get(ctx, "k", failing[string](errs.ErrNoResult))
	require.NoError(t, err)
	assert.Equal(t, "old", v)
	assert.Equal(t, StatusStale, st)

	s := tr.Snapshot()["nearby"]
	assert.Equal(t, int64(2), s.StaleServed)
	assert.Equal(t, int64(1), s.FetchFailure)
	assert.Equal(t, int64(1), s.NoResult)
	assert.Equal(t, int64(1), s.FetchSuccess)
}

func TestFailureWithoutFallback(t *testing.T) {
	c := newCache[string](t, Config{TTL: time.Minute})
	_, _, err := c.Get(context.Background(), "k", failing[string](fmt.Errorf("%w: dial tcp", errs.ErrNetwork)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNetwork))
	_, ok := c.Peek("k")
	assert.False(t, ok)
}

func TestDuplicateKeySuppression(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"Success", nil},
		{"Failure", errs.ErrNetwork},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newCache[int](t, Config{TTL: time.Minute})
			var calls atomic.Int32
			started := make(chan struct{})
			release := make(chan struct{})
			fetch := func(context.Context) (int, error) {
				if calls.Add(1) == 1 {
					close(started)
				}
				<-release
				return 42, tc.err
			}

			const n = 8
			var wg sync.WaitGroup
			results := make([]error, n)
			values := make([]int, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					values[i], _, results[i] = c.Get(context.Background(), "same", fetch)
				}(i)
				if i == 0 {
					<-started
				}
			}
			// Let the followers join the in-flight fetch.
			time.Sleep(50 * time.Millisecond)
			close(release)
			wg.Wait()

			assert.Equal(t, int32(1), calls.Load())
			for i := 0; i < n; i++ {
				if tc.err == nil {
					assert.NoError(t, results[i])
					assert.Equal(t, 42, values[i])
				} else {
					assert.ErrorIs(t, results[i], tc.err)
				}
			}
		})
	}
}

func TestCancel_DiscardsLateResult(t *testing.T) {
	c := newCache[string](t, Config{TTL: time.Minute})
	started := make(chan struct{})
	release := make(chan struct{})

	type result struct {
		v   string
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, _, err := c.Get(context.Background(), "k", func(context.Context) (string, error) {
			close(started)
			<-release // ignores cancellation on purpose
			return "late", nil
		})
		done <- result{v, err}
	}()

	<-started
	assert.True(t, c.Cancel("k"))
	assert.False(t, c.Cancel("k"), "second cancel is a no-op")
	close(release)

	res := <-done
	assert.ErrorIs(t, res.err, ErrCancelled)
	_, ok := c.Peek("k")
	assert.False(t, ok, "cancelled fetch must not write the cache")
}

func TestCancel_AbortsFetchContext(t *testing.T) {
	c := newCache[string](t, Config{TTL: time.Minute})
	started := make(chan struct{})
	ctxErr := make(chan error, 1)

	done := make(chan error, 1)
	go func() {
		_, _, err := c.Get(context.Background(), "k", func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			ctxErr <- ctx.Err()
			return "", ctx.Err()
		})
		done <- err
	}()

	<-started
	c.Cancel("k")
	assert.ErrorIs(t, <-ctxErr, context.Canceled)
	assert.ErrorIs(t, <-done, ErrCancelled)
}

func TestFetchTimeout(t *testing.T) {
	c := newCache[string](t, Config{TTL: time.Minute, FetchTimeout: 20 * time.Millisecond})
	_, _, err := c.Get(context.Background(), "k", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallerContextEndsFirst(t *testing.T) {
	c := newCache[string](t, Config{TTL: time.Minute})
	started := make(chan struct{})
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := c.Get(ctx, "k", func(context.Context) (string, error) {
			close(started)
			<-release
			return "v", nil
		})
		done <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The shared fetch still completes and populates the cache.
	close(release)
	require.Eventually(t, func() bool {
		_, ok := c.Peek("k")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestLRUBound(t *testing.T) {
	c := newCache[int](t, Config{Capacity: 2})
	ctx := context.Background()
	for i, k := range []string{"a", "b", "c"} {
		_, _, err := c.Get(ctx, k, value(i))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())
	_, ok := c.Peek("a")
	assert.False(t, ok, "oldest entry evicted")
}

func TestPersistence(t *testing.T) {
	clk := newClock()
	p := &mapPersister{}
	cfg := Config{TTL: 15 * time.Minute, Now: clk.Now, Persist: p, Namespace: "nearby:"}
	ctx := context.Background()

	first := newCache[[]string](t, cfg)
	_, _, err := first.Get(ctx, "poi:1", value([]string{"atm"}))
	require.NoError(t, err)

	raw, ok := p.GetCache(ctx, "nearby:poi:1")
	require.True(t, ok, "entry persisted under namespace")
	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Contains(t, envelope, "timestamp")
	assert.Contains(t, envelope, "payload")

	// A new process sees the persisted entry as fresh.
	second := newCache[[]string](t, cfg)
	v, st, err := second.Get(ctx, "poi:1", failing[[]string](errs.ErrNetwork))
	require.NoError(t, err)
	assert.Equal(t, []string{"atm"}, v)
	assert.Equal(t, StatusFresh, st)

	// And as a stale fallback once expired.
	clk.Advance(time.Hour)
	third := newCache[[]string](t, cfg)
	v, st, err = third.Get(ctx, "poi:1", failing[[]string](errs.ErrNetwork))
	require.NoError(t, err)
	assert.Equal(t, []string{"atm"}, v)
	assert.Equal(t, StatusStale, st)
}

func TestPersistence_CorruptEntryIgnored(t *testing.T) {
	p := &mapPersister{}
	require.NoError(t, p.SetCache(context.Background(), "ns:k", []byte("{broken")))
	c := newCache[string](t, Config{Persist: p, Namespace: "ns:"})

	v, st, err := c.Get(context.Background(), "k", value("fresh"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, StatusFetched, st)
}

func TestSet(t *testing.T) {
	p := &mapPersister{}
	c := newCache[string](t, Config{TTL: time.Minute, Persist: p, Namespace: "loc:"})
	c.Set(context.Background(), "current", "here")

	v, st, err := c.Get(context.Background(), "current", failing[string](errs.ErrNetwork))
	require.NoError(t, err)
	assert.Equal(t, "here", v)
	assert.Equal(t, StatusFresh, st)
	_, ok := p.GetCache(context.Background(), "loc:current")
	assert.True(t, ok)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "poi:48.85661,2.35222:500", POIKey(48.856614, 2.3522219, 500))
	assert.Equal(t, POIKey(48.856614, 2.3522219, 500), POIKey(48.8566143, 2.3522221, 500))
	assert.NotEqual(t, POIKey(48.856614, 2.3522219, 500), POIKey(48.856614, 2.3522219, 1000))
	assert.Equal(t, "poi:0.00000,0.00000:1", POIKey(-0.000001, 0, 1))

	a := geo.Point{Lat: 48.8566, Lon: 2.3522}
	b := geo.Point{Lat: 45.764, Lon: 4.8357}
	assert.Equal(t, "route:48.8566,2.3522;45.764,4.8357", RouteKey(a, b))
	assert.NotEqual(t, RouteKey(a, b), RouteKey(b, a))
	assert.NotEqual(t, RouteKey(a, b), RouteKey(geo.Point{Lat: 48.85660001, Lon: 2.3522}, b))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "fresh", StatusFresh.String())
	assert.Equal(t, "stale", StatusStale.String())
	assert.Equal(t, "fetched", StatusFetched.String())
}
