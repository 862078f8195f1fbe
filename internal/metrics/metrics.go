// Package metrics exposes Prometheus collectors for the coordinator and workers.
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
	batchEventsTotal           *prometheus.CounterVec
	pagesTotal                 *prometheus.CounterVec
	stubsTotal                 *prometheus.CounterVec
	candidatesTotal            *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	retriesTotal               *prometheus.CounterVec
	progressEventsTotal        *prometheus.CounterVec
	activeWorkers              *prometheus.GaugeVec
	loopExitsTotal             *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		batchEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arrest_batch_events_total",
				Help: "Batch queue events, labeled by event (claimed, idle, completed, lease_lost).",
			},
			[]string{"event"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arrest_search_pages_total",
				Help: "Search result pages visited, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		stubsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arrest_stubs_total",
				Help: "Candidate stubs extracted from search pages, labeled by site.",
			},
			[]string{"site"},
		)

		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arrest_candidates_total",
				Help: "Candidate inserts, labeled by result (inserted, skipped, error).",
			},
			[]string{"result"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arrest_records_total",
				Help: "Enriched records, labeled by result (completed, flagged, failed).",
			},
			[]string{"result"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arrest_retries_total",
				Help: "Retried render operations, labeled by operation.",
			},
			[]string{"op"},
		)

		progressEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arrest_progress_events_total",
				Help: "Progress events emitted by workers, labeled by stage.",
			},
			[]string{"stage"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arrest_active_workers",
				Help: "Number of worker loops currently running, labeled by role.",
			},
			[]string{"role"},
		)

		loopExitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arrest_supervised_loop_exits_total",
				Help: "Supervised worker loop exits, labeled by job and outcome (ok, error, stopped).",
			},
			[]string{"job", "outcome"},
		)

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arrest_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
	return promhttp.Handler()
}

// ObserveBatch counts a batch queue event.
func ObserveBatch(event string) {
	Init()
	batchEventsTotal.WithLabelValues(event).Inc()
}

// ObservePage counts a visited search page and the stubs it yielded.
func ObservePage(site, outcome string, stubs int) {
	Init()
	host := SanitizeSite(site)
	pagesTotal.WithLabelValues(host, outcome).Inc()
	if stubs > 0 {
		stubsTotal.WithLabelValues(host).Add(float64(stubs))
	}
}

// ObserveCandidate counts a candidate insert result.
func ObserveCandidate(result string) {
	Init()
	candidatesTotal.WithLabelValues(result).Inc()
}

// ObserveRecord counts an enrichment result.
func ObserveRecord(result string) {
	Init()
	recordsTotal.WithLabelValues(result).Inc()
}

// ObserveRetry counts a retried operation.
func ObserveRetry(op string) {
	Init()
	retriesTotal.WithLabelValues(op).Inc()
}

// ObserveProgress counts a progress event by stage.
func ObserveProgress(stage string) {
	Init()
	progressEventsTotal.WithLabelValues(stage).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge for role.
func IncActiveWorkers(role string) {
	Init()
	activeWorkers.WithLabelValues(role).Inc()
}

// DecActiveWorkers decrements the active workers gauge for role.
func DecActiveWorkers(role string) {
	Init()
	activeWorkers.WithLabelValues(role).Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveLoopExit counts a supervised loop ending.
func ObserveLoopExit(job, outcome string) {
	Init()
	loopExitsTotal.WithLabelValues(job, outcome).Inc()
}
