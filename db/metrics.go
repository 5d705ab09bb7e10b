package db

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var QueryDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "relayer",
	Subsystem: "ledger_db",
	Name:      "query_duration_seconds",
	Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
}, []string{"query"})

var QueryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relayer",
	Subsystem: "ledger_db",
	Name:      "query_errors_total",
}, []string{"query"})

func ObserveDuration(query string) func() time.Duration {
	return prometheus.NewTimer(QueryDurations.WithLabelValues(query)).ObserveDuration
}

func countError(query string, err error) error {
	if err != nil {
		QueryErrors.WithLabelValues(query).Inc()
	}
	return err
}
