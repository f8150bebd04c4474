package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions
var (
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxd_commits_total",
		Help: "Total number of committed mutations, by operation.",
	}, []string{"operation"})

	CommitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fxd_commit_seconds",
		Help:    "End-to-end latency of the commit path, including durability waits.",
		Buckets: prometheus.DefBuckets,
	})

	StoreNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxd_store_nodes_total",
		Help: "Current number of live nodes in the store.",
	})

	WALAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxd_wal_appends_total",
		Help: "Total number of records appended to the write-ahead log.",
	})

	WALAppendBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxd_wal_append_bytes_total",
		Help: "Total bytes appended to the write-ahead log.",
	})

	WALFsyncSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fxd_wal_fsync_seconds",
		Help:    "Latency of WAL flush and fsync operations.",
		Buckets: prometheus.DefBuckets,
	})

	WALSegmentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxd_wal_segments_created_total",
		Help: "Total number of WAL segments opened for writing.",
	})

	WALReplayedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxd_wal_replayed_records_total",
		Help: "Total number of WAL records applied during recovery.",
	})

	SignalsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxd_signals_published_total",
		Help: "Total number of signals published to the change feed.",
	})

	SignalsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxd_signals_dropped_total",
		Help: "Total number of signals dropped from slow subscriber buffers.",
	})

	SignalsCoalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxd_signals_coalesced_total",
		Help: "Total number of signals merged by the coalescing window.",
	})

	SignalSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxd_signal_subscribers",
		Help: "Current number of live signal subscriptions.",
	})

	SignalRetainedDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxd_signal_retained_depth",
		Help: "Signals retained in memory for cursor replay.",
	})

	CheckpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxd_checkpoints_total",
		Help: "Total number of checkpoints written.",
	})

	CheckpointSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fxd_checkpoint_seconds",
		Help:    "Time spent capturing and persisting a checkpoint.",
		Buckets: prometheus.DefBuckets,
	})

	CompactionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fxd_compaction_seconds",
		Help:    "Time spent compacting WAL segments.",
		Buckets: prometheus.DefBuckets,
	})
)
