package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft role/progress metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minipd_raft_is_leader",
			Help: "Whether this node believes itself the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minipd_raft_term",
			Help: "Current Raft term as observed by the local RawNode",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minipd_raft_peers_total",
			Help: "Total number of voters in the current configuration",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minipd_raft_log_index",
			Help: "Index of the last entry in the local Raft log",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minipd_raft_applied_index",
			Help: "Index of the last entry applied to the storage adapter",
		},
	)

	// Driver queue/backlog depth
	ProposalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minipd_proposal_queue_depth",
			Help: "Number of proposals awaiting a committed-entry notifier match",
		},
	)

	ReadQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minipd_read_queue_depth",
			Help: "Number of outstanding read-index requests, awaiting a matching ReadState or the apply of their read index",
		},
	)

	PendingAcksDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minipd_pending_acks_depth",
			Help: "Number of applied command results deferred until the next fsync",
		},
	)

	// WAL/fsync metrics
	FsyncTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minipd_fsync_total",
			Help: "Total number of fsync calls issued by the write-batch controller",
		},
	)

	FsyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minipd_fsync_duration_seconds",
			Help:    "Time taken by each fsync call in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FsyncBatchBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minipd_fsync_batch_bytes",
			Help:    "Size in bytes of the write batch flushed on each fsync",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		},
	)

	// Read-index latency
	ReadIndexLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minipd_read_index_latency_seconds",
			Help:    "Time from read-index request to resolution",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Proposal round-trip latency (propose to ack)
	ProposalLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minipd_proposal_latency_seconds",
			Help:    "Time from proposing a command to its durable acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cluster metadata gauges (store/region registry)
	StoresTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minipd_stores_total",
			Help: "Total number of registered stores by state",
		},
		[]string{"state"},
	)

	RegionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minipd_regions_total",
			Help: "Total number of regions known to the cluster",
		},
	)

	// Allocator metrics
	AllocatedIDsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minipd_allocated_ids_total",
			Help: "Total number of unique ids handed out by the id allocator",
		},
	)

	TSORequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minipd_tso_requests_total",
			Help: "Total number of timestamp allocation requests served",
		},
	)
)

func init() {
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftTerm)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)

	prometheus.MustRegister(ProposalQueueDepth)
	prometheus.MustRegister(ReadQueueDepth)
	prometheus.MustRegister(PendingAcksDepth)

	prometheus.MustRegister(FsyncTotal)
	prometheus.MustRegister(FsyncDuration)
	prometheus.MustRegister(FsyncBatchBytes)

	prometheus.MustRegister(ReadIndexLatency)
	prometheus.MustRegister(ProposalLatency)

	prometheus.MustRegister(StoresTotal)
	prometheus.MustRegister(RegionsTotal)

	prometheus.MustRegister(AllocatedIDsTotal)
	prometheus.MustRegister(TSORequestsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
