package impact

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("remedy.impact")

var (
	analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_impact_analyses_total",
		Help: "Impact analyses by resulting risk level",
	}, []string{"level"})

	riskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "remedy_impact_risk_score",
		Help:    "Distribution of computed risk scores",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})
)
