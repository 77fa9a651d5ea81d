// Package metrics exposes engine observability counters via Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AppliesTotal    *prometheus.CounterVec // status: ok | error
	ApplyDuration   prometheus.Histogram
	DocsWritten     *prometheus.CounterVec // kind: insert | edit | delete
	LockConflicts   prometheus.Counter
	Invalidations   prometheus.Counter
	ArchivedRows    prometheus.Counter
	LedgerEntries   prometheus.Counter
	HistoryReads    prometheus.Counter
	RollbacksTotal  prometheus.Counter
	LongLocksActive prometheus.Gauge
}

// New registers the engine collectors with reg. A nil registerer
// yields working but unregistered collectors, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AppliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reldoc_applies_total",
			Help: "Apply calls by outcome.",
		}, []string{"status"}),
		ApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reldoc_apply_duration_seconds",
			Help:    "Wall time of Apply calls.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		DocsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reldoc_documents_written_total",
			Help: "Documents written by mutation kind.",
		}, []string{"kind"}),
		LockConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "reldoc_lock_conflicts_total",
			Help: "Short-lock acquisitions failed on a conflicting lock.",
		}),
		Invalidations: f.NewCounter(prometheus.CounterOpts{
			Name: "reldoc_cache_invalidations_total",
			Help: "Cache invalidation notifications dispatched.",
		}),
		ArchivedRows: f.NewCounter(prometheus.CounterOpts{
			Name: "reldoc_archived_rows_total",
			Help: "Row snapshots copied into the history store.",
		}),
		LedgerEntries: f.NewCounter(prometheus.CounterOpts{
			Name: "reldoc_ledger_entries_total",
			Help: "DocActions rows written.",
		}),
		HistoryReads: f.NewCounter(prometheus.CounterOpts{
			Name: "reldoc_history_reads_total",
			Help: "Historical version reconstructions served.",
		}),
		RollbacksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "reldoc_rollbacks_total",
			Help: "Apply transactions rolled back.",
		}),
		LongLocksActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "reldoc_long_locks_active",
			Help: "Long locks currently held.",
		}),
	}
}
