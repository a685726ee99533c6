// Package tracker counts cache and fetch outcomes per data source.
package tracker

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Tracker tracks usage statistics per source (e.g. "nearby", "route", "osrm").
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*counters
}

type counters struct {
	hits, misses, stale       atomic.Int64
	fetchOK, fetchErr, noData atomic.Int64
}

// Stats is a point-in-time copy of one source's counters.
type Stats struct {
	CacheHits    int64 `json:"cache_hits"`
	CacheMisses  int64 `json:"cache_misses"`
	StaleServed  int64 `json:"stale_served"`
	FetchSuccess int64 `json:"fetch_success"`
	FetchFailure int64 `json:"fetch_failure"`
	NoResult     int64 `json:"no_result"`
}

// New creates a new Tracker.
func New() *Tracker {
	return &Tracker{
		stats: make(map[string]*counters),
	}
}

// get returns the counters for a source, creating them if needed.
func (t *Tracker) get(source string) *counters {
	t.mu.RLock()
	c, ok := t.stats[source]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.stats[source]; ok {
		return c
	}
	c = &counters{}
	t.stats[source] = c
	return c
}

// TrackCacheHit counts a request served fresh from cache.
func (t *Tracker) TrackCacheHit(source string) { t.get(source).hits.Add(1) }

// TrackCacheMiss counts a request that needed a fetch.
func (t *Tracker) TrackCacheMiss(source string) { t.get(source).misses.Add(1) }

// TrackStale counts a stale value served after a failed refresh.
func (t *Tracker) TrackStale(source string) { t.get(source).stale.Add(1) }

func (t *Tracker) TrackFetchSuccess(source string) { t.get(source).fetchOK.Add(1) }

func (t *Tracker) TrackFetchFailure(source string) { t.get(source).fetchErr.Add(1) }

func (t *Tracker) TrackNoResult(source string) { t.get(source).noData.Add(1) }

// Snapshot returns a copy of the current stats.
func (t *Tracker) Snapshot() map[string]Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]Stats, len(t.stats))
	for k, c := range t.stats {
		result[k] = Stats{
			CacheHits:    c.hits.Load(),
			CacheMisses:  c.misses.Load(),
			StaleServed:  c.stale.Load(),
			FetchSuccess: c.fetchOK.Load(),
			FetchFailure: c.fetchErr.Load(),
			NoResult:     c.noData.Load(),
		}
	}
	return result
}

// Sources returns the tracked source names in sorted order.
func (t *Tracker) Sources() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.stats))
	for k := range t.stats {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reset clears all counters.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = make(map[string]*counters)
}
