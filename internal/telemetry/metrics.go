// Package telemetry provides logging setup and Prometheus metrics for the app usage service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and served on
// the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<GAU_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Audit log scan counters and durations, by strategy and outcome
//   - Audit log page fetches, retries and malformed entries
//   - Active progress streams
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code. The path label
// holds the Gin route template (e.g. /api/organizations/:org/app-usage), never the
// raw URL.
//
// Example PromQL queries:
//   - Request rate:  rate(http_requests_total[5m])
//   - p99 latency:   histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Scan metrics, recorded once per organization scan.
//
// ScansTotal carries {strategy, outcome}; outcome is one of complete,
// access_denied, fetch_failed or cancelled. A rising access_denied rate usually
// means the configured token lost its admin:org / read:audit_log scope.
//
// Example PromQL queries:
//   - Denied scans:  sum by (strategy) (rate(app_usage_scans_total{outcome="access_denied"}[1h]))
//   - p95 duration:  histogram_quantile(0.95, sum by (le) (rate(app_usage_scan_duration_seconds_bucket[1h])))
var (
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_usage_scans_total",
			Help: "Total number of organization audit log scans, by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "app_usage_scan_duration_seconds",
			Help:    "Duration of a single organization audit log scan, by strategy.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"strategy"},
	)
)

// Audit log fetch metrics.
var (
	AuditLogPagesFetchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_log_pages_fetched_total",
			Help: "Total number of audit log pages fetched successfully.",
		},
	)

	AuditLogFetchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_log_fetch_retries_total",
			Help: "Total number of audit log page fetch retries after a transient failure.",
		},
	)

	AuditLogMalformedEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_log_malformed_entries_total",
			Help: "Total number of audit log entries skipped because they carried no timestamp.",
		},
	)
)

// StreamsActive tracks open server-sent progress streams. Each stream holds a
// request goroutine and an upstream scan for its whole lifetime.
var StreamsActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "app_usage_streams_active",
		Help: "Current number of open app usage progress streams.",
	},
)
