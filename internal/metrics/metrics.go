// Package metrics exposes Prometheus collectors for the harvester.
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
	upstreamRequestsTotal         *prometheus.CounterVec
	upstreamRequestDuration       *prometheus.HistogramVec
	cacheLookupsTotal             *prometheus.CounterVec
	identitiesResolvedTotal       prometheus.Counter
	catalogPageGapsTotal          prometheus.Counter
	featureRecordsTotal           *prometheus.CounterVec
	sourceMissesTotal             *prometheus.CounterVec
	queueDepth                    prometheus.Gauge
	harvesterActiveWorkers        prometheus.Gauge
	writerResultsTotal            *prometheus.CounterVec
	harvesterRateLimitDelaySecond *prometheus.HistogramVec
	opsRequestsTotal              *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_upstream_requests_total",
				Help: "Network requests sent to upstream APIs, labeled by host and status code.",
			},
			[]string{"host", "code"},
		)

		upstreamRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_upstream_request_duration_seconds",
				Help:    "Latency of upstream API requests, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_cache_lookups_total",
				Help: "HTTP cache lookups, labeled by result (hit, miss, replay_miss, shared).",
			},
			[]string{"result"},
		)

		identitiesResolvedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_identities_resolved_total",
				Help: "Identity records emitted by the resolver.",
			},
		)

		catalogPageGapsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_catalog_page_gaps_total",
				Help: "Catalog pages skipped after exhausting retries.",
			},
		)

		featureRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_feature_records_total",
				Help: "Feature records handed to the writer, labeled by status.",
			},
			[]string{"status"},
		)

		sourceMissesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_source_misses_total",
				Help: "Feature source lookups that contributed nothing, labeled by source and kind.",
			},
			[]string{"source", "kind"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_queue_pending",
				Help: "Track IDs pending in the work queue.",
			},
		)

		harvesterActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently harvesting a track.",
			},
		)

		writerResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_writer_results_total",
				Help: "Writer outcomes, labeled by writer and result (committed, retried, dead_lettered).",
			},
			[]string{"writer", "result"},
		)

		harvesterRateLimitDelaySecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		opsRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_ops_requests_total",
				Help: "Requests served by the ops endpoint, labeled by route and code.",
			},
			[]string{"route", "code"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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
	return promhttp.Handler()
}

// ObserveUpstream records one network request to an upstream API.
func ObserveUpstream(host string, code int, duration time.Duration) {
	upstreamRequestsTotal.WithLabelValues(host, strconv.Itoa(code)).Inc()
	upstreamRequestDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveCacheLookup counts one cache lookup result.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveIdentity counts one resolved identity.
func ObserveIdentity() {
	identitiesResolvedTotal.Inc()
}

// ObservePageGap counts one skipped catalog page.
func ObservePageGap() {
	catalogPageGapsTotal.Inc()
}

// ObserveFeatureRecord counts one feature record by status.
func ObserveFeatureRecord(status string) {
	featureRecordsTotal.WithLabelValues(status).Inc()
}

// ObserveSourceMiss counts a source that contributed nothing to a record.
func ObserveSourceMiss(source, kind string) {
	sourceMissesTotal.WithLabelValues(source, kind).Inc()
}

// SetQueueDepth publishes the current pending count.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	harvesterActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	harvesterActiveWorkers.Dec()
}

// ObserveWriter counts one writer outcome.
func ObserveWriter(writer, result string) {
	writerResultsTotal.WithLabelValues(writer, result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	harvesterRateLimitDelaySecond.WithLabelValues(host).Observe(duration.Seconds())
}
