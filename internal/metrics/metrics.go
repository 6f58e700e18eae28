// Package metrics exposes Prometheus collectors for the msgbridge service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	browserInstallTotal           *prometheus.CounterVec
	browserInstallDurationSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	exportJobsTotal               *prometheus.CounterVec
	uploadBytesTotal              prometheus.Counter
	rateLimitRejectionsTotal      prometheus.Counter
	activeWorkers                 prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		browserInstallTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgbridge_browser_install_total",
				Help: "Browser provisioning attempts, labeled by deployment mode and outcome.",
			},
			[]string{"mode", "status"},
		)

		browserInstallDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "msgbridge_browser_install_duration_seconds",
				Help:    "Histogram of browser provisioning durations, labeled by deployment mode.",
				Buckets: []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
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

		exportJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgbridge_export_jobs_total",
				Help: "Total number of spreadsheet export jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		uploadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "msgbridge_upload_bytes_total",
				Help: "Total bytes accepted by the upload endpoint.",
			},
		)

		rateLimitRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "msgbridge_rate_limit_rejections_total",
				Help: "Requests rejected by the rate limiter.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "msgbridge_active_workers",
				Help: "Number of workers currently processing an export job.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBrowserInstall records one provisioning attempt.
func ObserveBrowserInstall(mode, status string, duration time.Duration) {
	Init()
	browserInstallTotal.WithLabelValues(mode, status).Inc()
	browserInstallDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	exportJobsTotal.WithLabelValues(status).Inc()
}

// ObserveUpload adds accepted upload bytes.
func ObserveUpload(bytes int64) {
	Init()
	if bytes > 0 {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// ObserveRateLimitRejection counts a rejected request.
func ObserveRateLimitRejection() {
	Init()
	rateLimitRejectionsTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}
