package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chain metrics
	ChainHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellmesh_chain_height",
			Help: "Height of the last block appended to the local chain",
		},
	)

	ChainSegmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellmesh_chain_segments_total",
			Help: "Number of segment files in the block store",
		},
	)

	BlocksCommittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cellmesh_blocks_committed_total",
			Help: "Total number of blocks appended to the local chain",
		},
	)

	// Pending store metrics
	PendingOperationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellmesh_pending_operations_total",
			Help: "Number of operations currently held in the pending store",
		},
	)

	PendingGroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellmesh_pending_groups_total",
			Help: "Number of distinct operation groups currently pending",
		},
	)

	// Chain synchronizer metrics
	PeersSynchronizedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellmesh_peers_synchronized_total",
			Help: "Number of peers whose chain sync status is Synchronized",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellmesh_is_leader",
			Help: "Whether this node considers itself the chain leader (1) or not (0)",
		},
	)

	// Commit manager metrics
	IsProposer = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellmesh_is_proposer",
			Help: "Whether this node is the current block proposer (1) or not (0)",
		},
	)

	BlockProposalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cellmesh_block_proposals_total",
			Help: "Total number of block proposals emitted by this node",
		},
	)

	BlockRefusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellmesh_block_refusals_total",
			Help: "Total number of block refusals emitted by this node, by reason",
		},
		[]string{"reason"},
	)

	CommitTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cellmesh_commit_tick_duration_seconds",
			Help:    "Time taken to run one commit manager tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Mutation index / entity index metrics
	EntitiesIndexedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellmesh_entities_indexed_total",
			Help: "Number of distinct entities with at least one indexed trait",
		},
	)

	MutationIndexApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cellmesh_mutation_index_apply_duration_seconds",
			Help:    "Time taken to apply a batch of mutations to an index",
			Buckets: prometheus.DefBuckets,
		},
	)

	GCOperationsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cellmesh_gc_operations_deleted_total",
			Help: "Total number of operations removed by the entity index garbage collector",
		},
	)

	// Query server metrics
	QueryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellmesh_query_requests_total",
			Help: "Total number of query requests by outcome",
		},
		[]string{"outcome"},
	)

	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cellmesh_query_duration_seconds",
			Help:    "Query execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Pending synchronizer metrics
	PendingSyncRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cellmesh_pending_sync_rounds_total",
			Help: "Total number of pending sync request/response rounds handled",
		},
	)

	PendingSyncOperationsExchangedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellmesh_pending_sync_operations_exchanged_total",
			Help: "Total number of operation frames exchanged during pending sync, by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(ChainHeight)
	prometheus.MustRegister(ChainSegmentsTotal)
	prometheus.MustRegister(BlocksCommittedTotal)
	prometheus.MustRegister(PendingOperationsTotal)
	prometheus.MustRegister(PendingGroupsTotal)
	prometheus.MustRegister(PeersSynchronizedTotal)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(IsProposer)
	prometheus.MustRegister(BlockProposalsTotal)
	prometheus.MustRegister(BlockRefusalsTotal)
	prometheus.MustRegister(CommitTickDuration)
	prometheus.MustRegister(EntitiesIndexedTotal)
	prometheus.MustRegister(MutationIndexApplyDuration)
	prometheus.MustRegister(GCOperationsDeletedTotal)
	prometheus.MustRegister(QueryRequestsTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(PendingSyncRoundsTotal)
	prometheus.MustRegister(PendingSyncOperationsExchangedTotal)
}

// Handler returns the Prometheus HTTP scrape handler.
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
