// Package cache provides TTL keyed caches for network lookups with stale
// fallback, in-flight request coalescing and optional persistence.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"offlinenav/pkg/errs"
	"offlinenav/pkg/tracker"
)

const (
	defaultCapacity     = 256
	defaultFetchTimeout = 20 * time.Second
)

// ErrCancelled is returned to callers waiting on a fetch that was cancelled
// when no cached value can stand in.
var ErrCancelled = errors.New("fetch cancelled")

// Status tells the caller where a value came from.
type Status int

const (
	StatusFresh   Status = iota // cached and within TTL
	StatusFetched               // fetched from the network just now
	StatusStale                 // refresh failed, last known value served
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusFetched:
		return "fetched"
	case StatusStale:
		return "stale"
	}
	return "unknown"
}

// Entry is a timestamped cached payload. It is also the persisted envelope.
type Entry[T any] struct {
	Timestamp time.Time `json:"timestamp"`
	Payload   T         `json:"payload"`
}

// FetchFunc performs the network lookup for a key.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Persister is the durable key-value store backing a persisted cache.
// store.CacheStore satisfies it.
type Persister interface {
	GetCache(ctx context.Context, key string) ([]byte, bool)
	SetCache(ctx context.Context, key string, val []byte) error
}

// Config configures a Keyed cache.
type Config struct {
	// Name labels tracker counters and log lines.
	Name string
	// TTL after which an entry is stale. Zero means entries never go stale.
	TTL time.Duration
	// Capacity bounds the in-memory entry count (LRU eviction).
	Capacity int
	// FetchTimeout bounds every network fetch.
	FetchTimeout time.Duration

	// Persist, when set, mirrors entries to durable storage under Namespace.
	Persist   Persister
	Namespace string

	Tracker *tracker.Tracker
	Logger  *slog.Logger
	Now     func() time.Time
}

type flight struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Keyed maps derived keys to timestamped payloads.
type Keyed[T any] struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries *lru.Cache[string, Entry[T]]
	flights map[string]*flight
	waiting map[string]int
	group   singleflight.Group
}

// New creates a keyed cache.
func New[T any](cfg Config) (*Keyed[T], error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Name == "" {
		cfg.Name = "cache"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := lru.New[string, Entry[T]](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Keyed[T]{
		cfg:     cfg,
		logger:  logger.With("cache", cfg.Name),
		entries: entries,
		flights: make(map[string]*flight),
		waiting: make(map[string]int),
	}, nil
}

// Get serves a fresh cached value for key, or fetches it. Concurrent Gets for
// the same key share one fetch. When the fetch fails or is cancelled the last
// cached value is returned with StatusStale regardless of its age; without one
// the fetch error is returned.
//
// Values are shared between callers and the cache; callers must not mutate
// them.
func (c *Keyed[T]) Get(ctx context.Context, key string, fetch FetchFunc[T]) (T, Status, error) {
	return c.get(ctx, key, fetch, false)
}

// get is Get with abandonment: when abandon is set and ctx ends with
// ErrSuperseded as its cause, the shared fetch is cancelled if no other
// caller is still waiting on it.
func (c *Keyed[T]) get(ctx context.Context, key string, fetch FetchFunc[T], abandon bool) (T, Status, error) {
	var zero T

	if e, ok := c.lookup(ctx, key); ok && c.fresh(e) {
		c.track(func(t *tracker.Tracker) { t.TrackCacheHit(c.cfg.Name) })
		return e.Payload, StatusFresh, nil
	}
	c.track(func(t *tracker.Tracker) { t.TrackCacheMiss(c.cfg.Name) })

	c.mu.Lock()
	c.waiting[key]++
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (any, error) {
		return c.run(key, fetch)
	})

	select {
	case <-ctx.Done():
		c.mu.Lock()
		left := c.leaveLocked(key)
		if abandon && left == 0 && errors.Is(context.Cause(ctx), ErrSuperseded) {
			c.cancelLocked(key)
		}
		c.mu.Unlock()
		return zero, StatusFetched, context.Cause(ctx)
	case res := <-ch:
		c.mu.Lock()
		c.leaveLocked(key)
		c.mu.Unlock()
		if res.Err == nil {
			return res.Val.(T), StatusFetched, nil
		}
		if e, ok := c.Peek(key); ok {
			c.track(func(t *tracker.Tracker) { t.TrackStale(c.cfg.Name) })
			c.logger.Debug("Serving stale entry after failed refresh", "key", key, "age", c.cfg.Now().Sub(e.Timestamp), "error", res.Err)
			return e.Payload, StatusStale, nil
		}
		return zero, StatusFetched, res.Err
	}
}

// leaveLocked drops one waiter for key and returns how many remain.
func (c *Keyed[T]) leaveLocked(key string) int {
	n := c.waiting[key] - 1
	if n <= 0 {
		delete(c.waiting, key)
		return 0
	}
	c.waiting[key] = n
	return n
}

// run executes one fetch for key. It is called at most once per flight.
func (c *Keyed[T]) run(key string, fetch FetchFunc[T]) (any, error) {
	fctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	defer cancel()

	fl := &flight{cancel: cancel}
	c.mu.Lock()
	c.flights[key] = fl
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.flights[key] == fl {
			delete(c.flights, key)
		}
		c.mu.Unlock()
	}()

	v, err := fetch(fctx)

	c.mu.Lock()
	if fl.cancelled {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCancelled, key)
	}
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, errs.ErrNoResult) {
			c.track(func(t *tracker.Tracker) { t.TrackNoResult(c.cfg.Name) })
		} else {
			c.track(func(t *tracker.Tracker) { t.TrackFetchFailure(c.cfg.Name) })
		}
		return nil, err
	}
	e := Entry[T]{Timestamp: c.cfg.Now(), Payload: v}
	c.entries.Add(key, e)
	c.mu.Unlock()

	c.track(func(t *tracker.Tracker) { t.TrackFetchSuccess(c.cfg.Name) })
	c.persist(key, e)
	return v, nil
}

// Cancel aborts the in-flight fetch for key, if any. A cancelled fetch never
// writes the cache. Reports whether a fetch was cancelled.
func (c *Keyed[T]) Cancel(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelLocked(key)
}

func (c *Keyed[T]) cancelLocked(key string) bool {
	fl, ok := c.flights[key]
	if !ok {
		return false
	}
	fl.cancelled = true
	fl.cancel()
	delete(c.flights, key)
	c.group.Forget(key)
	return true
}

// Peek returns the entry for key without fetching, regardless of age.
func (c *Keyed[T]) Peek(key string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Peek(key)
}

// Set stores a value for key as if it had just been fetched.
func (c *Keyed[T]) Set(ctx context.Context, key string, v T) {
	e := Entry[T]{Timestamp: c.cfg.Now(), Payload: v}
	c.mu.Lock()
	c.entries.Add(key, e)
	c.mu.Unlock()
	c.persistCtx(ctx, key, e)
}

// Len returns the number of in-memory entries.
func (c *Keyed[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Purge drops all in-memory entries. Persisted entries are kept.
func (c *Keyed[T]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

func (c *Keyed[T]) fresh(e Entry[T]) bool {
	if c.cfg.TTL <= 0 {
		return true
	}
	return c.cfg.Now().Sub(e.Timestamp) < c.cfg.TTL
}

// lookup checks memory first, then the persister, promoting persisted hits.
func (c *Keyed[T]) lookup(ctx context.Context, key string) (Entry[T], bool) {
	c.mu.Lock()
	e, ok := c.entries.Get(key)
	c.mu.Unlock()
	if ok || c.cfg.Persist == nil {
		return e, ok
	}

	raw, ok := c.cfg.Persist.GetCache(ctx, c.cfg.Namespace+key)
	if !ok {
		return e, false
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("Discarding corrupt persisted entry", "key", key, "error", err)
		return e, false
	}

	c.mu.Lock()
	// A fetch may have landed while we were reading storage.
	if cur, ok := c.entries.Peek(key); ok && cur.Timestamp.After(e.Timestamp) {
		e = cur
	} else {
		c.entries.Add(key, e)
	}
	c.mu.Unlock()
	return e, true
}

func (c *Keyed[T]) persist(key string, e Entry[T]) {
	if c.cfg.Persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.persistCtx(ctx, key, e)
}

func (c *Keyed[T]) persistCtx(ctx context.Context, key string, e Entry[T]) {
	if c.cfg.Persist == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("Failed to encode cache entry", "key", key, "error", err)
		return
	}
	if err := c.cfg.Persist.SetCache(ctx, c.cfg.Namespace+key, raw); err != nil {
		c.logger.Warn("Failed to persist cache entry", "key", key, "error", err)
	}
}

func (c *Keyed[T]) track(fn func(*tracker.Tracker)) {
	if c.cfg.Tracker != nil {
		fn(c.cfg.Tracker)
	}
}
