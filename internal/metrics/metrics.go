// Package metrics exposes Prometheus collectors for the audit service.
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
	auditSubmissionsTotal      *prometheus.CounterVec
	auditJobsTotal             *prometheus.CounterVec
	auditStageDurationSeconds  *prometheus.HistogramVec
	auditStageAttemptsTotal    *prometheus.CounterVec
	auditQueueDepth            prometheus.Gauge
	auditRunningJobs           prometheus.Gauge
	auditCacheLookupsTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	auditRateLimitDelaySeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		auditSubmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_submissions_total",
				Help: "Audit submissions, labeled by admission outcome.",
			},
			[]string{"outcome"},
		)

		auditJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_jobs_total",
				Help: "Audit jobs that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		auditStageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_stage_duration_seconds",
				Help:    "Wall time per pipeline stage including retries.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"stage", "result"},
		)

		auditStageAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_stage_attempts_total",
				Help: "Attempts made per pipeline stage.",
			},
			[]string{"stage"},
		)

		auditQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_queue_depth",
				Help: "Jobs waiting for an execution slot.",
			},
		)

		auditRunningJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_running_jobs",
				Help: "Jobs currently executing the pipeline.",
			},
		)

		auditCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_cache_lookups_total",
				Help: "Cache lookups, labeled by result (hit, miss, error).",
			},
			[]string{"result"},
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

		auditRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_rate_limit_delay_seconds",
				Help:    "Histogram of outbound rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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

// ObserveSubmission counts an admission decision (cached, coalesced, running,
// queued, rejected, invalid).
func ObserveSubmission(outcome string) {
	Init()
	auditSubmissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	auditJobsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records a settled stage.
func ObserveStage(stage string, succeeded bool, attempts int, duration time.Duration) {
	Init()
	result := "success"
	if !succeeded {
		result = "failure"
	}
	auditStageDurationSeconds.WithLabelValues(stage, result).Observe(duration.Seconds())
	if attempts > 0 {
		auditStageAttemptsTotal.WithLabelValues(stage).Add(float64(attempts))
	}
}

// SetQueueDepth publishes the number of queued jobs.
func SetQueueDepth(n int) {
	Init()
	auditQueueDepth.Set(float64(n))
}

// SetRunningJobs publishes the number of running jobs.
func SetRunningJobs(n int) {
	Init()
	auditRunningJobs.Set(float64(n))
}

// ObserveCacheLookup counts a cache lookup result.
func ObserveCacheLookup(result string) {
	Init()
	auditCacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	auditRateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}
