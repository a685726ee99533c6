package api

import (
	"context"
	"net/http"
	"runtime"
	"sync"

	"offlinenav/pkg/pack"
	"offlinenav/pkg/tracker"
)

// PackSizer reports the stored pack footprint.
type PackSizer interface {
	EstimateSize(ctx context.Context) (pack.SizeEstimate, error)
}

// StatsHandler serves GET /api/stats.
type StatsHandler struct {
	tracker *tracker.Tracker
	packs   PackSizer

	mu     sync.Mutex
	maxMem uint64
}

// NewStatsHandler creates a stats handler. packs may be nil.
func NewStatsHandler(t *tracker.Tracker, packs PackSizer) *StatsHandler {
	return &StatsHandler{tracker: t, packs: packs}
}

type SourceStatsDTO struct {
	CacheHits    int64 `json:"cache_hits"`
	CacheMisses  int64 `json:"cache_misses"`
	StaleServed  int64 `json:"stale_served"`
	FetchSuccess int64 `json:"api_success"`
	NoResult     int64 `json:"api_zero"`
	FetchFailure int64 `json:"api_errors"`
	HitRate      int64 `json:"hit_rate"`
}

type RuntimeStats struct {
	MemoryMB    uint64 `json:"memory_mb"`
	MemoryMaxMB uint64 `json:"memory_max_mb"`
	Goroutines  int    `json:"goroutines"`
}

type StatsResponse struct {
	Runtime RuntimeStats              `json:"runtime"`
	Packs   *pack.SizeEstimate        `json:"packs,omitempty"`
	Sources map[string]SourceStatsDTO `json:"sources"`
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Runtime: h.runtimeStats(),
		Sources: make(map[string]SourceStatsDTO),
	}

	for source, s := range h.tracker.Snapshot() {
		total := s.CacheHits + s.CacheMisses
		hitRate := int64(0)
		if total > 0 {
			hitRate = (s.CacheHits * 100) / total
		}
		resp.Sources[source] = SourceStatsDTO{
			CacheHits:    s.CacheHits,
			CacheMisses:  s.CacheMisses,
			StaleServed:  s.StaleServed,
			FetchSuccess: s.FetchSuccess,
			NoResult:     s.NoResult,
			FetchFailure: s.FetchFailure,
			HitRate:      hitRate,
		}
	}

	if h.packs != nil {
		if est, err := h.packs.EstimateSize(r.Context()); err == nil {
			resp.Packs = &est
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *StatsHandler) runtimeStats() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	h.mu.Lock()
	if ms.Sys > h.maxMem {
		h.maxMem = ms.Sys
	}
	peak := h.maxMem
	h.mu.Unlock()

	return RuntimeStats{
		MemoryMB:    bToMb(ms.Sys),
		MemoryMaxMB: bToMb(peak),
		Goroutines:  runtime.NumGoroutine(),
	}
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
