package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkv",
		Subsystem: "node",
		Name:      "mutations_total",
		Help:      "Mutations applied as primary, by op.",
	}, []string{"op"})
	replicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkv",
		Subsystem: "node",
		Name:      "replicate_batches_total",
		Help:      "Replicate calls to backups, by result.",
	}, []string{"result"})
	checkpointSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pkv",
		Subsystem: "node",
		Name:      "checkpoint_seconds",
		Help:      "Time spent in node checkpoints.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	partitionStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pkv",
		Subsystem: "node",
		Name:      "partitions",
		Help:      "Local partitions by state.",
	}, []string{"node", "state"})
	diskBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pkv",
		Subsystem: "node",
		Name:      "page_store_bytes",
		Help:      "Size of the page files and page directory at the last checkpoint.",
	}, []string{"node"})
	walFreeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pkv",
		Subsystem: "node",
		Name:      "wal_free_bytes",
		Help:      "Room left in the WAL ring after the last checkpoint.",
	}, []string{"node"})
	sweptTombstones = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkv",
		Subsystem: "node",
		Name:      "swept_tombstones_total",
		Help:      "Tombstones purged by the sweeper.",
	})
)
