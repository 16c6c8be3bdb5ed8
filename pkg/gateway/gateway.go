// Package gateway defines the boundary to the external payment provider.
// Implementations own all provider-specific wire formats; callers only see the
// provider-neutral types declared here.
package gateway

import (
	"context"
	"time"
)

// MinimumAmountCents is the smallest charge the provider accepts.
const MinimumAmountCents = 50

// IntentStatus mirrors the provider's payment intent lifecycle.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
	IntentSucceeded             IntentStatus = "succeeded"
)

// Intent is the provider-side authorization-to-capture request.
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"clientSecret,omitempty"`
	AmountCents  int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Status       IntentStatus      `json:"status"`
	ReceiptEmail string            `json:"-"`
	Metadata     map[string]string `json:"-"`

	// LastPaymentError describes the most recent failed payment attempt. An
	// intent that returns to requires_payment_method with this set has failed.
	LastPaymentError string `json:"-"`
}

// PaymentFailed reports whether the last payment attempt on the intent was
// declined and no new attempt is in flight.
func (i *Intent) PaymentFailed() bool {
	return i.Status == IntentRequiresPaymentMethod && i.LastPaymentError != ""
}

// CreateIntentParams describes a new payment intent.
type CreateIntentParams struct {
	AmountCents   int64
	CampaignID    string
	ParticipantID string
	DonorEmail    string
	DonorName     string
	Message       string

	// IdempotencyKey is forwarded verbatim to the provider. When empty a fresh
	// key is generated for the call.
	IdempotencyKey string
}

// RefundReason is the provider's enumerated refund reason.
type RefundReason string

const (
	RefundReasonDuplicate           RefundReason = "duplicate"
	RefundReasonFraudulent          RefundReason = "fraudulent"
	RefundReasonRequestedByCustomer RefundReason = "requested_by_customer"
)

// Valid reports whether r is one of the known refund reasons.
func (r RefundReason) Valid() bool {
	switch r {
	case RefundReasonDuplicate, RefundReasonFraudulent, RefundReasonRequestedByCustomer:
		return true
	}
	return false
}

// RefundParams describes a refund against a succeeded intent.
type RefundParams struct {
	IntentID string

	// AmountCents is the amount to refund. Zero refunds the remaining balance.
	AmountCents int64

	Reason         RefundReason
	IdempotencyKey string
}

// Refund is the provider's record of a refund.
type Refund struct {
	ID          string       `json:"id"`
	IntentID    string       `json:"paymentIntentId"`
	AmountCents int64        `json:"amount"`
	Status      string       `json:"status"`
	Reason      RefundReason `json:"reason,omitempty"`

	// ChargeRefundedCents is the charge's cumulative refunded amount after
	// this refund, or 0 when the provider did not report it.
	ChargeRefundedCents int64 `json:"-"`
}

// EventType is the provider-neutral classification of a webhook event.
type EventType string

const (
	EventIntentSucceeded     EventType = "intent.succeeded"
	EventIntentPaymentFailed EventType = "intent.payment_failed"
	EventIntentCanceled      EventType = "intent.canceled"
	EventChargeRefunded      EventType = "charge.refunded"
	EventDisputeCreated      EventType = "charge.dispute.created"
	EventUnknown             EventType = "unknown"
)

// Event is a verified provider notification.
type Event struct {
	ID string

	// Type is the normalized type; ProviderType keeps the provider's own name.
	Type         EventType
	ProviderType string

	Created  time.Time
	IntentID string

	Metadata     map[string]string
	ReceiptEmail string
	BillingName  string
	BillingEmail string

	AmountCents    int64
	AmountRefunded int64
}

// Gateway is the sole boundary to the external payment provider.
type Gateway interface {
	// Name returns the provider name, e.g. "stripe".
	Name() string

	// CreateIntent creates a payment intent. Returns ErrAmountTooSmall below
	// MinimumAmountCents.
	CreateIntent(ctx context.Context, params CreateIntentParams) (*Intent, error)

	// GetIntent fetches the provider's current view of an intent.
	GetIntent(ctx context.Context, intentID string) (*Intent, error)

	// CreateRefund issues a partial or full refund. Returns ErrNotRefundable
	// when the intent never succeeded.
	CreateRefund(ctx context.Context, params RefundParams) (*Refund, error)

	// VerifySignature checks the raw webhook body against the signature header
	// and returns the decoded event. Any failure wraps ErrInvalidSignature.
	VerifySignature(payload []byte, signatureHeader string) (*Event, error)

	// DecodeEvent parses a payload that was verified earlier and stored.
	DecodeEvent(payload []byte) (*Event, error)
}
