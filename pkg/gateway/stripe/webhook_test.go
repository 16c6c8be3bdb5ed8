package stripe

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/godonate/pkg/gateway"
)

const testWebhookSecret = "whsec_test_secret"

type recordingMetrics struct {
	gateway.NoopMetrics
	signatureFailures []string
}

func (m *recordingMetrics) RecordSignatureFailure(_, reason string) {
	m.signatureFailures = append(m.signatureFailures, reason)
}

func eventBody(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"type":        eventType,
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func sign(payload []byte, secret string, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	}).Header
}

func succeededBody(t *testing.T) []byte {
	return eventBody(t, "evt_1", "payment_intent.succeeded", map[string]interface{}{
		"id":            "pi_123",
		"object":        "payment_intent",
		"amount":        10000,
		"currency":      "usd",
		"status":        "succeeded",
		"receipt_email": "receipt@example.com",
		"metadata": map[string]string{
			"campaign_id": "camp-1",
			"donor_email": "donor@example.com",
			"donor_name":  "Ada Lovelace",
		},
	})
}

func TestVerifySignature_Valid(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0, nil)
	body := succeededBody(t)

	event, err := v.VerifySignature(body, sign(body, testWebhookSecret, time.Now()))
	if err != nil {
		t.Fatalf("VerifySignature failed: %v", err)
	}
	if event.ID != "evt_1" {
		t.Errorf("ID = %q, want evt_1", event.ID)
	}
	if event.Type != gateway.EventIntentSucceeded {
		t.Errorf("Type = %q, want %q", event.Type, gateway.EventIntentSucceeded)
	}
	if event.IntentID != "pi_123" {
		t.Errorf("IntentID = %q, want pi_123", event.IntentID)
	}
	if event.AmountCents != 10000 {
		t.Errorf("AmountCents = %d, want 10000", event.AmountCents)
	}
	if event.ReceiptEmail != "receipt@example.com" {
		t.Errorf("ReceiptEmail = %q", event.ReceiptEmail)
	}
	if event.Metadata["donor_name"] != "Ada Lovelace" {
		t.Errorf("metadata donor_name = %q", event.Metadata["donor_name"])
	}
}

func TestVerifySignature_Rejections(t *testing.T) {
	body := succeededBody(t)
	now := time.Now()

	tests := []struct {
		name       string
		payload    []byte
		header     string
		wantReason string
	}{
		{
			name:       "missing header",
			payload:    body,
			header:     "",
			wantReason: "missing_header",
		},
		{
			name:       "wrong secret",
			payload:    body,
			header:     sign(body, "whsec_other", now),
			wantReason: "mismatch",
		},
		{
			name:       "tampered body",
			payload:    append(append([]byte{}, body[:len(body)-1]...), []byte(` }`)...),
			header:     sign(body, testWebhookSecret, now),
			wantReason: "mismatch",
		},
		{
			name:       "expired timestamp",
			payload:    body,
			header:     sign(body, testWebhookSecret, now.Add(-time.Hour)),
			wantReason: "expired",
		},
		{
			name:       "malformed header",
			payload:    body,
			header:     "garbage",
			wantReason: "malformed_header",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			v := NewVerifier(testWebhookSecret, 5*time.Minute, metrics)

			event, err := v.VerifySignature(tt.payload, tt.header)
			if !errors.Is(err, gateway.ErrInvalidSignature) {
				t.Fatalf("err = %v, want ErrInvalidSignature", err)
			}
			if event != nil {
				t.Errorf("expected nil event, got %+v", event)
			}
			if len(metrics.signatureFailures) != 1 || metrics.signatureFailures[0] != tt.wantReason {
				t.Errorf("signature failure reasons = %v, want [%s]", metrics.signatureFailures, tt.wantReason)
			}
		})
	}
}

func TestVerifySignature_NoSecret(t *testing.T) {
	v := NewVerifier("  ", 0, nil)
	body := succeededBody(t)

	_, err := v.VerifySignature(body, sign(body, testWebhookSecret, time.Now()))
	if !errors.Is(err, gateway.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestDecodeEvent_ChargeRefunded(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0, nil)
	body := eventBody(t, "evt_refund", "charge.refunded", map[string]interface{}{
		"id":              "ch_1",
		"object":          "charge",
		"amount":          10000,
		"amount_refunded": 2500,
		"payment_intent":  "pi_123",
		"billing_details": map[string]interface{}{
			"name":  "Grace Hopper",
			"email": "grace@example.com",
		},
	})

	event, err := v.DecodeEvent(body)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if event.Type != gateway.EventChargeRefunded {
		t.Errorf("Type = %q", event.Type)
	}
	if event.IntentID != "pi_123" {
		t.Errorf("IntentID = %q, want pi_123", event.IntentID)
	}
	if event.AmountRefunded != 2500 || event.AmountCents != 10000 {
		t.Errorf("amounts = %d/%d, want 2500/10000", event.AmountRefunded, event.AmountCents)
	}
	if event.BillingName != "Grace Hopper" || event.BillingEmail != "grace@example.com" {
		t.Errorf("billing = %q/%q", event.BillingName, event.BillingEmail)
	}
}

func TestDecodeEvent_Dispute(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0, nil)
	body := eventBody(t, "evt_dispute", "charge.dispute.created", map[string]interface{}{
		"id":             "dp_1",
		"object":         "dispute",
		"amount":         10000,
		"charge":         "ch_1",
		"payment_intent": "pi_123",
		"status":         "needs_response",
	})

	event, err := v.DecodeEvent(body)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if event.Type != gateway.EventDisputeCreated || event.IntentID != "pi_123" {
		t.Errorf("event = %+v", event)
	}
	if event.AmountRefunded != 10000 {
		t.Errorf("AmountRefunded = %d, want 10000", event.AmountRefunded)
	}
}

func TestDecodeEvent_IntentTypes(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0, nil)
	tests := map[string]gateway.EventType{
		"payment_intent.payment_failed": gateway.EventIntentPaymentFailed,
		"payment_intent.canceled":       gateway.EventIntentCanceled,
		"customer.created":              gateway.EventUnknown,
	}

	for providerType, want := range tests {
		body := eventBody(t, "evt_"+providerType, providerType, map[string]interface{}{
			"id":     "pi_9",
			"object": "payment_intent",
		})
		event, err := v.DecodeEvent(body)
		if err != nil {
			t.Fatalf("%s: DecodeEvent failed: %v", providerType, err)
		}
		if event.Type != want {
			t.Errorf("%s: Type = %q, want %q", providerType, event.Type, want)
		}
		if event.ProviderType != providerType {
			t.Errorf("%s: ProviderType = %q", providerType, event.ProviderType)
		}
	}
}

func TestDecodeEvent_Invalid(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0, nil)

	if _, err := v.DecodeEvent([]byte("{not json")); !errors.Is(err, gateway.ErrInvalidPayload) {
		t.Errorf("malformed json: err = %v, want ErrInvalidPayload", err)
	}
	if _, err := v.DecodeEvent([]byte(`{"object":"event","type":"payment_intent.succeeded"}`)); !errors.Is(err, gateway.ErrInvalidPayload) {
		t.Errorf("missing id: err = %v, want ErrInvalidPayload", err)
	}
}
