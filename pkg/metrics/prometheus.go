package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_executions_total",
			Help: "Total number of finished workflow executions by status",
		},
		[]string{"workflow", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sagaflow_execution_duration_seconds",
			Help:    "Workflow execution attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"workflow"},
	)

	CompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_compensations_total",
			Help: "Total number of step compensations by result",
		},
		[]string{"workflow", "result"},
	)

	LockContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_lock_contention_total",
			Help: "Total number of executions rejected because their lock key was held",
		},
		[]string{"workflow"},
	)

	OutboxPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sagaflow_outbox_published_total",
			Help: "Total number of outbox events published",
		},
	)

	OutboxPublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_outbox_publish_failures_total",
			Help: "Total number of failed outbox publish attempts",
		},
		[]string{"event_type"},
	)

	OutboxFailedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sagaflow_outbox_failed_events",
			Help: "Number of outbox events that exhausted their publish attempts",
		},
	)

	OutboxBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sagaflow_outbox_batch_duration_seconds",
			Help:    "Duration of one outbox publisher cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MaintenanceItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_maintenance_sweep_items_total",
			Help: "Total number of executions handled by maintenance sweeps",
		},
		[]string{"task", "result"},
	)

	InterventionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_interventions_total",
			Help: "Total number of manual intervention records created",
		},
		[]string{"severity"},
	)
)
