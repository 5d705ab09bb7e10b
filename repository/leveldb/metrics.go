package leveldb

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var OperationDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "relayer",
	Subsystem: "ledger_leveldb",
	Name:      "operation_duration_seconds",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"operation"})

func ObserveDuration(operation string) func() time.Duration {
	return prometheus.NewTimer(OperationDurations.WithLabelValues(operation)).ObserveDuration
}
