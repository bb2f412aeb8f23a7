package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querystream_queries_total",
			Help: "Total queries executed, by connector and delivery mode.",
		},
		[]string{"connector", "mode"},
	)
	queryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querystream_query_duration_seconds",
			Help:    "Wall time per query from routing to terminal chunk.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connector", "mode"},
	)
	chunksYieldedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querystream_chunks_yielded_total",
			Help: "Total result chunks yielded by the streaming executor.",
		},
	)
	cancellationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querystream_cancellations_total",
			Help: "Total queries that ended in cancellation.",
		},
	)
	chunkCacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querystream_chunk_cache_ops_total",
			Help: "Result chunk cache operations by outcome.",
		},
		[]string{"op", "outcome"},
	)
	countCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querystream_count_cache_lookups_total",
			Help: "Row-count cache lookups by outcome.",
		},
		[]string{"outcome"},
	)
	estimationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querystream_estimations_total",
			Help: "Row-count estimations issued to connectors, by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)
	activeQueries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querystream_active_queries",
			Help: "Queries currently registered with the execution router.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		queriesTotal,
		queryDurationSeconds,
		chunksYieldedTotal,
		cancellationsTotal,
		chunkCacheOpsTotal,
		countCacheLookupsTotal,
		estimationsTotal,
		activeQueries,
	)
}

func ObserveQuery(connector, mode string, elapsed time.Duration) {
	queriesTotal.WithLabelValues(connector, mode).Inc()
	queryDurationSeconds.WithLabelValues(connector, mode).Observe(elapsed.Seconds())
}

func IncrementChunksYielded() {
	chunksYieldedTotal.Inc()
}

func IncrementCancellations() {
	cancellationsTotal.Inc()
}

func ObserveChunkCacheOp(op, outcome string) {
	chunkCacheOpsTotal.WithLabelValues(op, outcome).Inc()
}

func ObserveCountCacheLookup(outcome string) {
	countCacheLookupsTotal.WithLabelValues(outcome).Inc()
}

func ObserveEstimation(strategy, outcome string) {
	estimationsTotal.WithLabelValues(strategy, outcome).Inc()
}

func SetActiveQueries(count int) {
	if count < 0 {
		count = 0
	}
	activeQueries.Set(float64(count))
}
