package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offlinenav/pkg/tracker"
)

// trackerCollector exports tracker counters at scrape time.
type trackerCollector struct {
	tracker *tracker.Tracker

	cacheHits    *prometheus.Desc
	cacheMisses  *prometheus.Desc
	staleServed  *prometheus.Desc
	fetchSuccess *prometheus.Desc
	fetchFailure *prometheus.Desc
	noResult     *prometheus.Desc
}

func newTrackerCollector(t *tracker.Tracker) *trackerCollector {
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("offlinenav", subsystem, name), help, []string{"source"}, nil)
	}
	return &trackerCollector{
		tracker:      t,
		cacheHits:    desc("cache", "hits_total", "Keyed cache hits"),
		cacheMisses:  desc("cache", "misses_total", "Keyed cache misses"),
		staleServed:  desc("cache", "stale_served_total", "Stale entries served after a failed fetch"),
		fetchSuccess: desc("fetch", "success_total", "Successful upstream fetches"),
		fetchFailure: desc("fetch", "failures_total", "Failed upstream fetches"),
		noResult:     desc("fetch", "no_result_total", "Upstream fetches with an empty result"),
	}
}

func (c *trackerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.staleServed
	ch <- c.fetchSuccess
	ch <- c.fetchFailure
	ch <- c.noResult
}

func (c *trackerCollector) Collect(ch chan<- prometheus.Metric) {
	for source, s := range c.tracker.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.CacheHits), source)
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(s.CacheMisses), source)
		ch <- prometheus.MustNewConstMetric(c.staleServed, prometheus.CounterValue, float64(s.StaleServed), source)
		ch <- prometheus.MustNewConstMetric(c.fetchSuccess, prometheus.CounterValue, float64(s.FetchSuccess), source)
		ch <- prometheus.MustNewConstMetric(c.fetchFailure, prometheus.CounterValue, float64(s.FetchFailure), source)
		ch <- prometheus.MustNewConstMetric(c.noResult, prometheus.CounterValue, float64(s.NoResult), source)
	}
}

// MetricsHandler serves the tracker and Go runtime metrics in Prometheus
// text format. Each call builds its own registry.
func MetricsHandler(t *tracker.Tracker) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newTrackerCollector(t),
		collectors.NewGoCollector(),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
