package donation

import "time"

// Metrics defines the interface for tracking donation processing.
type Metrics interface {
	// RecordCheckout records a checkout attempt.
	// status: "created", "replayed", "rejected", "error"
	RecordCheckout(status string)

	// RecordCheckoutDuration records end-to-end checkout latency.
	RecordCheckoutDuration(duration time.Duration)

	// RecordWebhookEvent records a webhook delivery outcome.
	RecordWebhookEvent(eventType, outcome string)

	// RecordWebhookProcessingDuration records how long a delivery took.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordTransition records an applied status change.
	RecordTransition(from, to Status)

	// RecordOrphanedIntent records a provider intent with no local donation.
	// source: "webhook", "checkout", "confirm"
	RecordOrphanedIntent(source string)

	// RecordRefund records a refund attempt.
	RecordRefund(status string)

	// RecordSweep records a maintenance pass item.
	// kind: "event", "donation"
	RecordSweep(kind, outcome string)

	// RecordCacheHit records a catalog cache hit ("campaign", "participant").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a catalog cache miss.
	RecordCacheMiss(cacheType string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCheckout(status string)                                             {}
func (n *NoopMetrics) RecordCheckoutDuration(duration time.Duration)                            {}
func (n *NoopMetrics) RecordWebhookEvent(eventType, outcome string)                             {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {}
func (n *NoopMetrics) RecordTransition(from, to Status)                                         {}
func (n *NoopMetrics) RecordOrphanedIntent(source string)                                       {}
func (n *NoopMetrics) RecordRefund(status string)                                               {}
func (n *NoopMetrics) RecordSweep(kind, outcome string)                                         {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                          {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                         {}
