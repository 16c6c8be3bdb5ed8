package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/godonate/pkg/donation"
)

var _ donation.Metrics = (*Metrics)(nil)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func counterValue(f *dto.MetricFamily, labels map[string]string) float64 {
	for _, m := range f.GetMetric() {
		match := true
		for _, l := range m.GetLabel() {
			if want, ok := labels[l.GetName()]; ok && want != l.GetValue() {
				match = false
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	return -1
}

func TestMetrics_Webhook(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("intent.succeeded", "accepted")
	m.RecordWebhookEvent("intent.succeeded", "duplicate")
	m.RecordWebhookEvent("intent.succeeded", "duplicate")
	m.RecordWebhookProcessingDuration("intent.succeeded", 5*time.Millisecond)

	families := gather(t, reg)
	f, ok := families["test_webhook_events_total"]
	if !ok {
		t.Fatal("webhook_events_total not registered")
	}
	if got := counterValue(f, map[string]string{"outcome": "duplicate"}); got != 2 {
		t.Errorf("duplicate count = %v, want 2", got)
	}
	if _, ok := families["test_webhook_processing_duration_seconds"]; !ok {
		t.Error("processing duration not recorded")
	}
}

func TestMetrics_LedgerCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordCheckout("created")
	m.RecordCheckoutDuration(20 * time.Millisecond)
	m.RecordTransition(donation.StatusPending, donation.StatusSucceeded)
	m.RecordOrphanedIntent("webhook")
	m.RecordRefund("succeeded")
	m.RecordSweep("event", "accepted")
	m.RecordCacheHit("campaign")
	m.RecordCacheMiss("campaign")

	families := gather(t, reg)
	for _, name := range []string{
		"test_checkouts_total",
		"test_checkout_duration_seconds",
		"test_donation_transitions_total",
		"test_orphaned_intents_total",
		"test_refunds_total",
		"test_sweep_items_total",
		"test_cache_hits_total",
		"test_cache_misses_total",
	} {
		if _, ok := families[name]; !ok {
			t.Errorf("%s not registered", name)
		}
	}

	got := counterValue(families["test_donation_transitions_total"],
		map[string]string{"from": "pending", "to": "succeeded"})
	if got != 1 {
		t.Errorf("pending->succeeded = %v, want 1", got)
	}
}
