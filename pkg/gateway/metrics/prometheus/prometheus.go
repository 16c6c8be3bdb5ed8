package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/godonate/pkg/gateway"
)

// Metrics implements gateway.Metrics using Prometheus.
type Metrics struct {
	apiCallsTotal              *prometheus.CounterVec
	apiCallDuration            *prometheus.HistogramVec
	signatureFailuresTotal     *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for payment providers.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "api_calls_total",
			Help:      "Total number of API calls to the payment provider.",
		}, []string{"provider", "operation", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of API calls to the payment provider in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation"}),

		signatureFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "signature_failures_total",
			Help:      "Total number of webhook payloads rejected by signature verification.",
		}, []string{"provider", "reason"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of provider circuit breaker state changes.",
		}, []string{"provider", "state"}),
	}
}

func (m *Metrics) RecordAPICall(provider, operation, status string) {
	m.apiCallsTotal.WithLabelValues(provider, operation, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, operation string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordSignatureFailure(provider, reason string) {
	m.signatureFailuresTotal.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(provider, state string) {
	m.circuitBreakerStateChanges.WithLabelValues(provider, state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) gateway.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
