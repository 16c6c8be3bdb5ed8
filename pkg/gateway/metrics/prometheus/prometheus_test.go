package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestPrometheusMetrics_RecordAPICall(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordAPICall("stripe", "create_intent", "success")
	metrics.RecordAPICall("stripe", "create_intent", "success")
	metrics.RecordAPICall("stripe", "create_refund", "error")
	metrics.RecordAPICallDuration("stripe", "create_intent", 120*time.Millisecond)

	family := findFamily(t, reg, "test_gateway_api_calls_total")
	if family == nil {
		t.Fatal("api_calls_total not registered")
	}
	if got := len(family.GetMetric()); got != 2 {
		t.Fatalf("expected 2 label sets, got %d", got)
	}

	for _, m := range family.GetMetric() {
		labels := map[string]string{}
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if labels["operation"] == "create_intent" && m.GetCounter().GetValue() != 2 {
			t.Errorf("create_intent count = %v, want 2", m.GetCounter().GetValue())
		}
	}

	if findFamily(t, reg, "test_gateway_api_call_duration_seconds") == nil {
		t.Error("api_call_duration_seconds not recorded")
	}
}

func TestPrometheusMetrics_SignatureAndBreaker(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSignatureFailure("stripe", "mismatch")
	metrics.RecordCircuitBreakerStateChange("stripe", "open")
	metrics.RecordCircuitBreakerStateChange("stripe", "closed")

	sig := findFamily(t, reg, "test_gateway_signature_failures_total")
	if sig == nil || sig.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Error("expected one signature failure")
	}
	cb := findFamily(t, reg, "test_gateway_circuit_breaker_state_changes_total")
	if cb == nil || len(cb.GetMetric()) != 2 {
		t.Error("expected two breaker state label sets")
	}
}

func TestPrometheusMetrics_DefaultMetrics(t *testing.T) {
	metrics := DefaultMetrics("test_gateway_default")
	if metrics == nil {
		t.Fatal("DefaultMetrics returned nil")
	}
	metrics.RecordAPICall("stripe", "get_intent", "success")
}
