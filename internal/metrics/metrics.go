package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	PendingTxns       prometheus.Gauge
	CheckoutCompleted prometheus.Counter
	CheckoutQueued    prometheus.Counter

	SyncSynced      prometheus.Counter
	SyncFailed      prometheus.Counter
	SyncLeftPending prometheus.Counter
	DrainLatencySec prometheus.Histogram

	CatalogRefreshed prometheus.Counter
	CacheFallback    prometheus.Counter

	JournalAppended prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	pending := prometheus.NewGauge(prometheus.GaugeOpts{Name: "till_pending_transactions"})
	completed := prometheus.NewCounter(prometheus.CounterOpts{Name: "till_checkout_completed_total"})
	queued := prometheus.NewCounter(prometheus.CounterOpts{Name: "till_checkout_queued_total"})

	synced := prometheus.NewCounter(prometheus.CounterOpts{Name: "till_sync_synced_total"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "till_sync_failed_total"})
	left := prometheus.NewCounter(prometheus.CounterOpts{Name: "till_sync_left_pending_total"})
	drainLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "till_drain_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})

	refreshed := prometheus.NewCounter(prometheus.CounterOpts{Name: "till_catalog_refreshed_total"})
	fallback := prometheus.NewCounter(prometheus.CounterOpts{Name: "till_cache_fallback_total"})
	journal := prometheus.NewCounter(prometheus.CounterOpts{Name: "till_journal_appended_total"})

	r.MustRegister(pending, completed, queued, synced, failed, left, drainLatency, refreshed, fallback, journal)
	return &Registry{
		reg:               r,
		PendingTxns:       pending,
		CheckoutCompleted: completed,
		CheckoutQueued:    queued,
		SyncSynced:        synced,
		SyncFailed:        failed,
		SyncLeftPending:   left,
		DrainLatencySec:   drainLatency,
		CatalogRefreshed:  refreshed,
		CacheFallback:     fallback,
		JournalAppended:   journal,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
