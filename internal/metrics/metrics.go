package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gravity_chat"

var (
	EntryChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_entry_changes_total",
			Help:      "Accepted chat entry changes by entry kind and change kind.",
		},
		[]string{"kind", "change"},
	)

	ViewCacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_view_cache_requests_total",
			Help:      "Cached view lookups by view and result (hit, miss, error).",
		},
		[]string{"view", "result"},
	)

	ViewCacheInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_view_cache_invalidated_keys_total",
			Help:      "Cached view keys invalidated after mutations.",
		},
	)

	MigrationBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_migration_batches_total",
			Help:      "Chat copy batches by result.",
		},
		[]string{"result"},
	)

	MigrationEntriesCopied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_migration_entries_copied_total",
			Help:      "Chat entries written to destination chats by copy batches.",
		},
	)

	MigrationBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_migration_batch_duration_seconds",
			Help:      "Duration of chat copy batches.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		EntryChanges,
		ViewCacheRequests,
		ViewCacheInvalidations,
		MigrationBatches,
		MigrationEntriesCopied,
		MigrationBatchDuration,
	)
}
