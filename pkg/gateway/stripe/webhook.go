package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/godonate/pkg/gateway"
)

// Stripe event types this package understands.
const (
	eventPaymentIntentSucceeded     = "payment_intent.succeeded"
	eventPaymentIntentPaymentFailed = "payment_intent.payment_failed"
	eventPaymentIntentCanceled      = "payment_intent.canceled"
	eventChargeRefunded             = "charge.refunded"
	eventChargeDisputeCreated       = "charge.dispute.created"
)

// Verifier checks Stripe webhook signatures (t=<unix>,v1=<hmac-sha256>) and
// decodes verified events into gateway.Event values.
type Verifier struct {
	secret    string
	tolerance time.Duration
	metrics   gateway.Metrics
}

// NewVerifier creates a verifier for the given endpoint secret.
func NewVerifier(secret string, tolerance time.Duration, metrics gateway.Metrics) *Verifier {
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	if metrics == nil {
		metrics = &gateway.NoopMetrics{}
	}
	return &Verifier{
		secret:    strings.TrimSpace(secret),
		tolerance: tolerance,
		metrics:   metrics,
	}
}

// VerifySignature verifies the untouched request body against the
// Stripe-Signature header and decodes the event.
func (v *Verifier) VerifySignature(payload []byte, signatureHeader string) (*gateway.Event, error) {
	if v.secret == "" {
		return nil, gateway.ErrNotConfigured
	}
	if strings.TrimSpace(signatureHeader) == "" {
		v.metrics.RecordSignatureFailure(providerName, "missing_header")
		return nil, fmt.Errorf("%w: missing signature header", gateway.ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret,
		webhook.ConstructEventOptions{
			Tolerance:                v.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		v.metrics.RecordSignatureFailure(providerName, signatureFailureReason(err))
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidSignature, err)
	}

	return decode(&event)
}

// DecodeEvent parses a stored payload without verifying it. Only use it for
// payloads that passed VerifySignature when they were received.
func (v *Verifier) DecodeEvent(payload []byte) (*gateway.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidPayload, err)
	}
	return decode(&event)
}

func signatureFailureReason(err error) string {
	switch {
	case errors.Is(err, webhook.ErrTooOld):
		return "expired"
	case errors.Is(err, webhook.ErrNoValidSignature):
		return "mismatch"
	case errors.Is(err, webhook.ErrInvalidHeader), errors.Is(err, webhook.ErrNotSigned):
		return "malformed_header"
	default:
		return "invalid"
	}
}

func decode(event *stripe.Event) (*gateway.Event, error) {
	if event.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", gateway.ErrInvalidPayload)
	}

	out := &gateway.Event{
		ID:           event.ID,
		Type:         gateway.EventUnknown,
		ProviderType: string(event.Type),
		Created:      time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return out, nil
	}

	switch string(event.Type) {
	case eventPaymentIntentSucceeded, eventPaymentIntentPaymentFailed, eventPaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", gateway.ErrInvalidPayload, err)
		}
		out.Type = intentEventType(string(event.Type))
		out.IntentID = pi.ID
		out.Metadata = pi.Metadata
		out.ReceiptEmail = pi.ReceiptEmail
		out.AmountCents = pi.Amount

	case eventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", gateway.ErrInvalidPayload, err)
		}
		out.Type = gateway.EventChargeRefunded
		if ch.PaymentIntent != nil {
			out.IntentID = ch.PaymentIntent.ID
		}
		out.Metadata = ch.Metadata
		out.ReceiptEmail = ch.ReceiptEmail
		out.AmountCents = ch.Amount
		out.AmountRefunded = ch.AmountRefunded
		if ch.BillingDetails != nil {
			out.BillingName = ch.BillingDetails.Name
			out.BillingEmail = ch.BillingDetails.Email
		}

	case eventChargeDisputeCreated:
		var d stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &d); err != nil {
			return nil, fmt.Errorf("%w: dispute: %v", gateway.ErrInvalidPayload, err)
		}
		out.Type = gateway.EventDisputeCreated
		if d.PaymentIntent != nil {
			out.IntentID = d.PaymentIntent.ID
		}
		out.AmountCents = d.Amount
		out.AmountRefunded = d.Amount
	}

	return out, nil
}

func intentEventType(stripeType string) gateway.EventType {
	switch stripeType {
	case eventPaymentIntentSucceeded:
		return gateway.EventIntentSucceeded
	case eventPaymentIntentPaymentFailed:
		return gateway.EventIntentPaymentFailed
	default:
		return gateway.EventIntentCanceled
	}
}
