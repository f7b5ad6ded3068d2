// Package metrics exposes Prometheus collectors for the proxy service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	cacheEvictionsTotal        *prometheus.CounterVec
	cacheEntries               prometheus.Gauge
	cacheBytes                 prometheus.Gauge
	strategyResultsTotal       *prometheus.CounterVec
	renderDurationSeconds      *prometheus.HistogramVec
	renderThrottleSeconds      *prometheus.HistogramVec
	refreshRoutesTotal         *prometheus.CounterVec
	refreshCycleSeconds        prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssrproxy_cache_lookups_total",
				Help: "Cache lookups, labeled by strategy and result (hit or miss).",
			},
			[]string{"strategy", "result"},
		)

		cacheEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssrproxy_cache_evictions_total",
				Help: "Cache evictions, labeled by reason.",
			},
			[]string{"reason"},
		)

		cacheEntries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ssrproxy_cache_entries",
				Help: "Number of entries currently cached.",
			},
		)

		cacheBytes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ssrproxy_cache_bytes",
				Help: "UTF-8 bytes currently cached.",
			},
		)

		strategyResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssrproxy_strategy_results_total",
				Help: "Strategy invocations, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ssrproxy_render_duration_seconds",
				Help:    "Headless render time, labeled by site and outcome.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site", "outcome"},
		)

		renderThrottleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ssrproxy_render_throttle_seconds",
				Help:    "Time spent waiting on the per-host render rate limit.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		refreshRoutesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssrproxy_refresh_routes_total",
				Help: "Refresh route outcomes after retries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		refreshCycleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ssrproxy_refresh_cycle_seconds",
				Help:    "Duration of complete refresh cycles.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache hit or miss for a strategy.
func ObserveCacheLookup(strategy string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(strategy, result).Inc()
}

// ObserveCacheEviction increments the eviction counter for reason.
func ObserveCacheEviction(reason string) {
	Init()
	cacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// SetCacheSize publishes the current cache footprint.
func SetCacheSize(entries int, bytes int64) {
	Init()
	cacheEntries.Set(float64(entries))
	cacheBytes.Set(float64(bytes))
}

// ObserveStrategy records one strategy outcome: success, skipped or error.
func ObserveStrategy(strategy, outcome string) {
	Init()
	strategyResultsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveRender records the duration of a headless render.
func ObserveRender(rawURL, outcome string, duration time.Duration) {
	Init()
	renderDurationSeconds.WithLabelValues(SanitizeSite(rawURL), outcome).Observe(duration.Seconds())
}

// ObserveRenderThrottle records the duration of a rate limit wait.
func ObserveRenderThrottle(site string, duration time.Duration) {
	Init()
	renderThrottleSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveRefreshRoute records the final outcome of one refreshed route.
func ObserveRefreshRoute(outcome string) {
	Init()
	refreshRoutesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRefreshCycle records how long a whole refresh cycle took.
func ObserveRefreshCycle(duration time.Duration) {
	Init()
	refreshCycleSeconds.Observe(duration.Seconds())
}
