package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/godonate/pkg/donation"
)

// Metrics implements donation.Metrics using Prometheus.
type Metrics struct {
	checkoutsTotal            *prometheus.CounterVec
	checkoutDuration          prometheus.Histogram
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	transitionsTotal          *prometheus.CounterVec
	orphanedIntentsTotal      *prometheus.CounterVec
	refundsTotal              *prometheus.CounterVec
	sweepItemsTotal           *prometheus.CounterVec
	cacheHitsTotal            *prometheus.CounterVec
	cacheMissesTotal          *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		checkoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Total number of checkout attempts by outcome.",
		}, []string{"status"}),

		checkoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkout_duration_seconds",
			Help:      "Latency of checkout requests.",
			Buckets:   prometheus.DefBuckets,
		}),

		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_seconds",
			Help:      "Latency of webhook processing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "donation_transitions_total",
			Help:      "Total number of donation status changes.",
		}, []string{"from", "to"}),

		orphanedIntentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_intents_total",
			Help:      "Total number of provider intents with no matching donation.",
		}, []string{"source"}),

		refundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Total number of refund attempts by outcome.",
		}, []string{"status"}),

		sweepItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Total number of items handled by the maintenance sweep.",
		}, []string{"kind", "outcome"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of catalog cache hits.",
		}, []string{"cache_type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of catalog cache misses.",
		}, []string{"cache_type"}),
	}
}

func (m *Metrics) RecordCheckout(status string) {
	m.checkoutsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordCheckoutDuration(duration time.Duration) {
	m.checkoutDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordTransition(from, to donation.Status) {
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordOrphanedIntent(source string) {
	m.orphanedIntentsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordRefund(status string) {
	m.refundsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordSweep(kind, outcome string) {
	m.sweepItemsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) donation.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
