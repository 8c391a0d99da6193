package rebalance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	supplySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pkv",
		Subsystem: "rebalance",
		Name:      "supply_sessions",
		Help:      "Open supply sessions on this process.",
	})
	demandSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkv",
		Subsystem: "rebalance",
		Name:      "demand_sessions_total",
		Help:      "Demander sessions by outcome.",
	}, []string{"outcome"})
	suppliedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkv",
		Subsystem: "rebalance",
		Name:      "supplied_entries_total",
		Help:      "Snapshot entries sent to demanders.",
	})
	forwardedMutations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkv",
		Subsystem: "rebalance",
		Name:      "forwarded_mutations_total",
		Help:      "Queued mutations sent to demanders.",
	})
)
