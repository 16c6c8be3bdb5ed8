package stripetest

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"
)

var eventSeq atomic.Int64

// NewEventID returns a unique Stripe-style event id.
func NewEventID() string {
	return fmt.Sprintf("evt_test_%d", eventSeq.Add(1))
}

// IntentPayload builds a payment_intent.* event body.
func IntentPayload(eventID, eventType, intentID string, amount int64, metadata map[string]string, receiptEmail string) []byte {
	status := "succeeded"
	switch eventType {
	case "payment_intent.payment_failed":
		status = "requires_payment_method"
	case "payment_intent.canceled":
		status = "canceled"
	}

	object := map[string]interface{}{
		"id":       intentID,
		"object":   "payment_intent",
		"amount":   amount,
		"currency": "usd",
		"status":   status,
		"metadata": metadata,
	}
	if receiptEmail != "" {
		object["receipt_email"] = receiptEmail
	}
	return eventPayload(eventID, eventType, object)
}

// ChargeRefundedPayload builds a charge.refunded event body.
func ChargeRefundedPayload(eventID, intentID string, amount, amountRefunded int64) []byte {
	object := map[string]interface{}{
		"id":              "ch_" + intentID,
		"object":          "charge",
		"amount":          amount,
		"amount_refunded": amountRefunded,
		"refunded":        amountRefunded >= amount,
		"payment_intent":  intentID,
		"currency":        "usd",
	}
	return eventPayload(eventID, "charge.refunded", object)
}

// DisputePayload builds a charge.dispute.created event body.
func DisputePayload(eventID, intentID string, amount int64) []byte {
	object := map[string]interface{}{
		"id":             "dp_" + intentID,
		"object":         "dispute",
		"amount":         amount,
		"charge":         "ch_" + intentID,
		"payment_intent": intentID,
		"currency":       "usd",
		"status":         "needs_response",
	}
	return eventPayload(eventID, "charge.dispute.created", object)
}

// EventPayload builds an event body with an arbitrary object.
func EventPayload(eventID, eventType string, object map[string]interface{}) []byte {
	return eventPayload(eventID, eventType, object)
}

func eventPayload(eventID, eventType string, object map[string]interface{}) []byte {
	body := map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"type":        eventType,
		"livemode":    false,
		"data": map[string]interface{}{
			"object": object,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return payload
}

// Sign returns a Stripe-Signature header for payload signed with secret at
// the given time. A zero time signs with the current time.
func Sign(payload []byte, secret string, at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}
