package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("remedy.engine")

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_attempts_total",
		Help: "Remediation attempts by action and result",
	}, []string{"action", "result"})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remedy_attempt_duration_seconds",
		Help:    "Duration of remediation handler executions",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"action"})

	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_rollbacks_total",
		Help: "Rollbacks by action and result",
	}, []string{"action", "result"})
)
