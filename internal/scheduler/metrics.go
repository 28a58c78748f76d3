package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("remedy.scheduler")

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_scheduled_executions_total",
		Help: "Scheduled executions by result (success, failure, skipped)",
	}, []string{"result"})

	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "remedy_scheduled_execution_duration_seconds",
		Help:    "Duration of scheduled executions",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	activeExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remedy_active_executions",
		Help: "Executions currently in flight",
	})

	longRunningExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remedy_long_running_executions",
		Help: "In-flight executions above the long-running threshold at the last monitor pass",
	})

	retriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remedy_retries_scheduled_total",
		Help: "Retries scheduled after failed executions",
	})

	emergencyStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_emergency_stops_total",
		Help: "Emergency stops by mode",
	}, []string{"mode"})

	maintenanceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remedy_maintenance_mode",
		Help: "1 while maintenance mode is active",
	})
)
