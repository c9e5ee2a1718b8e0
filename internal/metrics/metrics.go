// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the monitoring pipeline:
// - Detection run outcomes and per-detector timing
// - Ledger dedup results and suppression counts
// - Notification queue depth, attempts, and dead-letter volume
// - Database query performance (DuckDB)
// - API endpoint latency and throughput
// - WebSocket connections

var (
	// Detection Metrics
	DetectionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detection_runs_total",
			Help: "Total number of orchestrator runs",
		},
		[]string{"result"}, // "completed", "throttled", "cancelled"
	)

	DetectionRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "detection_run_duration_seconds",
			Help:    "Duration of full orchestrator runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	DetectorInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_invocations_total",
			Help: "Total number of detector invocations",
		},
		[]string{"detector", "result"}, // result: "ok", "error"
	)

	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detector_duration_seconds",
			Help:    "Duration of individual detector invocations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"detector"},
	)

	FindingsReported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findings_reported_total",
			Help: "Total number of raw findings reported by detectors",
		},
		[]string{"detector"},
	)

	// Ledger Metrics
	IssuesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issues_created_total",
			Help: "Total number of new issue rows created",
		},
		[]string{"detector", "severity"},
	)

	IssuesRedetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issues_redetected_total",
			Help: "Total number of re-detections folded into existing issues",
		},
		[]string{"detector"},
	)

	FindingsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findings_suppressed_total",
			Help: "Total number of findings suppressed by ignore rules",
		},
		[]string{"detector"},
	)

	IssuesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "issues_purged_total",
			Help: "Total number of issues removed by retention cleanup",
		},
	)

	// Notification Queue Metrics
	NotificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_enqueued_total",
			Help: "Total number of notification tasks enqueued",
		},
		[]string{"channel"},
	)

	NotificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_attempts_total",
			Help: "Total number of notification delivery attempts",
		},
		[]string{"channel", "result"}, // result: "sent", "retry", "failed"
	)

	NotificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_send_duration_seconds",
			Help:    "Duration of channel send calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	NotificationQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Current number of notification tasks by status",
		},
		[]string{"status"}, // pending, retry, sent, failed
	)

	NotificationsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dead_lettered_total",
			Help: "Total number of tasks marked failed after exhausting retries",
		},
		[]string{"channel"},
	)

	NotificationsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_purged_total",
			Help: "Total number of terminal tasks removed by retention cleanup",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	WSErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_errors_total",
			Help: "Total number of WebSocket errors",
		},
		[]string{"error_type"},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordDetectorRun records one detector invocation and its outcome.
func RecordDetectorRun(detector string, duration time.Duration, findings int, err error) {
	DetectorDuration.WithLabelValues(detector).Observe(duration.Seconds())
	FindingsReported.WithLabelValues(detector).Add(float64(findings))
	if err != nil {
		DetectorInvocations.WithLabelValues(detector, "error").Inc()
	} else {
		DetectorInvocations.WithLabelValues(detector, "ok").Inc()
	}
}

// RecordIssueOutcome records the ledger's decision for one finding.
func RecordIssueOutcome(detector, severity string, created, suppressed bool) {
	switch {
	case suppressed:
		FindingsSuppressed.WithLabelValues(detector).Inc()
	case created:
		IssuesCreated.WithLabelValues(detector, severity).Inc()
	default:
		IssuesRedetected.WithLabelValues(detector).Inc()
	}
}

// RecordNotificationAttempt records one delivery attempt and its result.
func RecordNotificationAttempt(channel, result string, duration time.Duration) {
	NotificationAttempts.WithLabelValues(channel, result).Inc()
	NotificationDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// UpdateQueueDepth updates the per-status notification queue gauges.
func UpdateQueueDepth(byStatus map[string]int64) {
	for status, count := range byStatus {
		NotificationQueueDepth.WithLabelValues(status).Set(float64(count))
	}
}

// RecordDBQuery records a database query metric.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks active API requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
