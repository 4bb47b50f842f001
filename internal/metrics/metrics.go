package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acctmgr_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acctmgr_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "acctmgr_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Activity pipeline metrics
	ActivityRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acctmgr_activity_records_total",
			Help: "Total number of activity record writes by kind and status",
		},
		[]string{"kind", "status"},
	)

	ActivityWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acctmgr_activity_write_failures_total",
			Help: "Total number of failed activity record writes by phase",
		},
		[]string{"phase"},
	)

	ActivityFinalizationsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acctmgr_activity_finalizations_dropped_total",
			Help: "Total number of finalizations dropped before reaching the store",
		},
		[]string{"reason"},
	)

	// Risk scoring metrics
	RiskFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acctmgr_risk_findings_total",
			Help: "Total number of risk findings by flag",
		},
		[]string{"flag"},
	)

	// Query/export metrics
	ActivityQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acctmgr_activity_queries_total",
			Help: "Total number of activity queries by shape and status",
		},
		[]string{"shape", "status"},
	)

	ExportRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "acctmgr_export_rows_total",
			Help: "Total number of rows returned by activity exports",
		},
	)

	// Retention metrics
	ReapedRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "acctmgr_reaped_records_total",
			Help: "Total number of expired activity records deleted by the reaper",
		},
	)

	TimedOutPendingTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "acctmgr_timed_out_pending_total",
			Help: "Total number of stale PENDING records swept to TIMEOUT",
		},
	)

	// Rate limiting metrics
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acctmgr_rate_limit_requests_total",
			Help: "Total number of requests checked against rate limits",
		},
		[]string{"limiter_type", "status"},
	)

	RateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acctmgr_rate_limit_exceeded_total",
			Help: "Total number of requests that exceeded rate limits",
		},
		[]string{"limiter_type"},
	)

	RateLimitActiveClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acctmgr_rate_limit_active_clients",
			Help: "Number of active clients being rate limited",
		},
		[]string{"limiter_type"},
	)

	// System metrics
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acctmgr_build_info",
			Help: "Build information about the account manager",
		},
		[]string{"version", "go_version"},
	)
)
