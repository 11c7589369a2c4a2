package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the matching engine's Prometheus collectors.
type Metrics struct {
	EntriesProcessed *prometheus.CounterVec
	EntriesDiscarded *prometheus.CounterVec
	TradesExecuted   *prometheus.CounterVec
	BaseVolume       *prometheus.CounterVec
	OrdersRested     *prometheus.CounterVec
	Cancellations    *prometheus.CounterVec
	SelfHealed       *prometheus.CounterVec
	StoreErrors      prometheus.Counter
	MatchLatency     prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_entries_processed_total",
			Help:      "Intake queue entries handled, by kind",
		}, []string{"kind"}),
		EntriesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_entries_discarded_total",
			Help:      "Intake queue entries dropped without effect, by reason",
		}, []string{"reason"}),
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Fills settled, by instrument",
		}, []string{"instrument"}),
		BaseVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "base_volume_units_total",
			Help:      "Executed base amount in minor units, by instrument",
		}, []string{"instrument"}),
		OrdersRested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rested_total",
			Help:      "Orders placed on the book after matching, by instrument and side",
		}, []string{"instrument", "side"}),
		Cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Orders cancelled and refunded, by instrument",
		}, []string{"instrument"}),
		SelfHealed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dangling_references_removed_total",
			Help:      "Dangling order or index references removed, by kind",
		}, []string{"kind"}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Transient store failures seen by the engine loop",
		}),
		MatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entry_duration_seconds",
			Help:      "Time spent handling one intake queue entry",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EntriesProcessed,
			m.EntriesDiscarded,
			m.TradesExecuted,
			m.BaseVolume,
			m.OrdersRested,
			m.Cancellations,
			m.SelfHealed,
			m.StoreErrors,
			m.MatchLatency,
		)
	}
	return m
}
