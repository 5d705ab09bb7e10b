package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LatestHeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "contract",
		Name:      "latest_head_block",
		Help:      "Shows the latest confirmed head block observed for the particular contract.",
	}, []string{"monitor", "chain_id", "address"})
	LatestProcessedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "contract",
		Name:      "latest_processed_block",
		Help:      "Shows the latest block whose logs were fully processed for the particular contract.",
	}, []string{"monitor", "chain_id", "address"})
	SyncedContract = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "contract",
		Name:      "synced",
		Help:      "Shows 1 if the contract is considered as synced up to chain head.",
	}, []string{"monitor", "chain_id", "address"})
	ProcessedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "contract",
		Name:      "processed_events_total",
		Help:      "Number of processed contract events, by outcome.",
	}, []string{"monitor", "event", "status"})

	PropagationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "propagator",
		Name:      "attempts_total",
		Help:      "Number of root propagation attempts, by outcome.",
	}, []string{"status"})
	PropagatedRootMismatch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "propagator",
		Name:      "root_mismatch",
		Help:      "Shows 1 if the L2 root differs from the L1 registry root at the last check.",
	})

	ClaimResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "claimer",
		Name:      "results_total",
		Help:      "Number of processed confirmed messages, by outcome.",
	}, []string{"outcome"})
	LedgerMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "ledger",
		Name:      "messages",
		Help:      "Number of ledger messages, by status.",
	}, []string{"status"})
)
