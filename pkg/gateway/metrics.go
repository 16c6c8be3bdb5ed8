package gateway

import "time"

// Metrics defines the interface for tracking payment provider calls.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// RecordAPICall records a call to the provider.
	// operation: "create_intent", "get_intent", "create_refund"
	// status: "success", "error" or the provider's HTTP status code
	RecordAPICall(provider, operation, status string)

	// RecordAPICallDuration records how long a provider call took.
	RecordAPICallDuration(provider, operation string, duration time.Duration)

	// RecordSignatureFailure records a rejected webhook signature.
	RecordSignatureFailure(provider, reason string)

	// RecordCircuitBreakerStateChange records a breaker state change.
	RecordCircuitBreakerStateChange(provider, state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAPICall(_, _, _ string)                      {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordSignatureFailure(_, _ string)                {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_, _ string)       {}
