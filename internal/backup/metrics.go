package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("remedy.backup")

var (
	backupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_backups_total",
		Help: "Backups by type and result",
	}, []string{"type", "result"})

	backupSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "remedy_backup_size_bytes",
		Help:    "Stored size of created backups",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})

	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_restores_total",
		Help: "Restores by result",
	}, []string{"result"})
)
