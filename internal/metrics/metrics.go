package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerstats_entries_total",
			Help: "RIB entries aggregated, by address family.",
		},
		[]string{"family"},
	)

	EntriesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerstats_entries_skipped_total",
			Help: "RIB entries dropped during decode or aggregation.",
		},
		[]string{"reason"},
	)

	FilesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerstats_files_processed_total",
			Help: "Archive files processed (ok, failed).",
		},
		[]string{"status"},
	)

	FileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "peerstats_file_duration_seconds",
			Help:    "Wall time to fetch and aggregate one archive file.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	BrokerQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerstats_broker_queries_total",
			Help: "Broker search queries (ok, error).",
		},
		[]string{"status"},
	)

	ArtifactsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerstats_artifacts_written_total",
			Help: "JSON artifacts written, by kind.",
		},
		[]string{"kind"},
	)

	IndexRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerstats_index_rows_total",
			Help: "Rows upserted into the store, by table.",
		},
		[]string{"table"},
	)

	IndexFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerstats_index_files_total",
			Help: "Artifacts visited by the indexer (ok, skipped, failed).",
		},
		[]string{"table", "status"},
	)

	StoreWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peerstats_store_write_duration_seconds",
			Help:    "Store transaction latency per artifact.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		},
		[]string{"table"},
	)

	NotifyEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerstats_notify_events_total",
			Help: "Completion events published to Kafka (ok, failed).",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EntriesTotal,
			EntriesSkippedTotal,
			FilesProcessedTotal,
			FileDuration,
			BrokerQueriesTotal,
			ArtifactsWrittenTotal,
			IndexRowsTotal,
			IndexFilesTotal,
			StoreWriteDuration,
			NotifyEventsTotal,
		)
	})
}
