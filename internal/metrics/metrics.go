// Package metrics defines the Prometheus collectors for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle metrics
var (
	// SessionsByState tracks current session count per state
	SessionsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessions_by_state",
			Help: "Current number of sessions per lifecycle state",
		},
		[]string{"state"},
	)

	// SessionExtendsTotal tracks extend attempts by trigger and outcome
	SessionExtendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_extends_total",
			Help: "Session extend attempts by trigger (auto/manual/retry) and status",
		},
		[]string{"trigger", "status"},
	)

	// SessionExpirationsTotal counts sessions demoted to expired
	SessionExpirationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_expirations_total",
			Help: "Sessions demoted to expired, by reason (stale/retry_exhausted)",
		},
		[]string{"reason"},
	)
)

// Driver metrics
var (
	// DriverCallDuration tracks driver call latency by operation
	DriverCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driver_call_duration_seconds",
			Help:    "Driver call duration in seconds by operation",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"institution", "operation"},
	)

	// DriverErrorsTotal tracks driver call failures
	DriverErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driver_errors_total",
			Help: "Driver call failures by institution and operation",
		},
		[]string{"institution", "operation"},
	)

	// DriverBreakerState tracks circuit breaker state per institution (0=closed, 1=half-open, 2=open)
	DriverBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driver_breaker_state",
			Help: "Driver circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"institution"},
	)
)

// Sync and ingestion metrics
var (
	// SyncOperationsTotal counts sealed sync operations by outcome
	SyncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_operations_total",
			Help: "Sealed sync operations by outcome",
		},
		[]string{"status"},
	)

	// SyncRunning tracks currently running sync operations
	SyncRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_operations_running",
			Help: "Number of sync operations currently running",
		},
	)

	// SyncDurationSeconds tracks sync run duration
	SyncDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of sealed sync operations in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// TransactionsIngestedTotal counts canonical rows written
	TransactionsIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transactions_ingested_total",
			Help: "Canonical transactions inserted",
		},
	)

	// TransactionsSkippedTotal counts duplicate fingerprints skipped
	TransactionsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transactions_skipped_total",
			Help: "Raw records skipped as duplicate fingerprints",
		},
	)
)

// Stats engine metrics
var (
	// StatsReconcileRunsTotal counts reconciliation passes
	StatsReconcileRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stats_reconcile_runs_total",
			Help: "Stats reconciliation passes executed",
		},
	)

	// StatsDriftCorrectedTotal counts scopes whose cached stats disagreed with a full scan
	StatsDriftCorrectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stats_drift_corrected_total",
			Help: "Scopes whose incremental stats were corrected by reconciliation",
		},
	)
)
