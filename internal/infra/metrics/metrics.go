// Package metrics provides Prometheus metrics for propserve: submissions,
// status queries, tool runs, the worker queue and health checks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "propserve"

// ─── Submissions & Status ───────────────────────────────────────────────────

// Submissions counts POSTed tasks by the status code returned.
var Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "submissions_total",
	Help:      "Total task submissions by resulting status.",
}, []string{"code"})

// StatusQueries counts status and result lookups by status code.
var StatusQueries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "status_queries_total",
	Help:      "Total status lookups by resulting status.",
}, []string{"code"})

// UploadBytes tracks the size of accepted uploads.
var UploadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "upload_bytes",
	Help:      "Size of uploaded input files.",
	Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
})

// UnreachableStates counts filesystem states that map to no status code.
var UnreachableStates = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "unreachable_states_total",
	Help:      "Lookups that hit a state outside the status enumeration.",
})

// ─── Tool Runs ──────────────────────────────────────────────────────────────

// RunsCompleted counts finished tool runs by outcome (ready, error, skipped).
var RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "runs_total",
	Help:      "Total tool runs by outcome.",
}, []string{"outcome"})

// RunsActive tracks currently executing tool runs.
var RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "runs_active",
	Help:      "Number of tool runs in progress.",
})

// RunDuration tracks wall time of tool runs.
var RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "run_duration_seconds",
	Help:      "Tool run duration in seconds.",
	Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
}, []string{"runner"})

// QueueWait tracks time from enqueue to execution start.
var QueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "queue_wait_seconds",
	Help:      "Time from enqueue to execution start.",
	Buckets:   []float64{0.01, 0.1, 1, 5, 30, 60, 300, 1800},
})

// ─── Worker Queue ───────────────────────────────────────────────────────────

// QueueDepth tracks jobs waiting for a worker.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "queue_depth",
	Help:      "Jobs waiting for a worker.",
})

// QueueRejected counts jobs the queue refused.
var QueueRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "queue_rejected_total",
	Help:      "Jobs refused because the queue was full or closed.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus is 1 when a check passes, 0 when it fails.
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check status (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries counts recovery attempts by check.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts.",
}, []string{"check"})
