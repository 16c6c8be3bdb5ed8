package donation

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a donation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSucceeded, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Currency is the only currency the ledger records.
const Currency = "usd"

// MaxMessageLength caps the donor's free-text message, in characters.
const MaxMessageLength = 500

// Donation is the internal record of one donation attempt. The fee
// breakdown is frozen at checkout time.
type Donation struct {
	ID            string `json:"id"`
	CampaignID    string `json:"campaignId"`
	ParticipantID string `json:"participantId,omitempty"`
	DonorID       string `json:"donorId,omitempty"`

	AmountCents      int64  `json:"amountCents"`
	FeeCents         int64  `json:"feeCents"`
	NetCents         int64  `json:"netCents"`
	PlatformFeeCents int64  `json:"platformFeeCents"`
	ProviderFeeCents int64  `json:"providerFeeCents"`
	RefundedCents    int64  `json:"refundedCents"`
	Currency         string `json:"currency"`

	ProviderIntentID string `json:"providerIntentId"`
	Status           Status `json:"status"`
	Message          string `json:"message,omitempty"`

	// Donor details as submitted at checkout. The donor row is only
	// created once the payment succeeds.
	DonorEmail string `json:"donorEmail,omitempty"`
	DonorName  string `json:"donorName,omitempty"`

	IdempotencyKey string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RefundableCents returns the amount that can still be refunded.
func (d *Donation) RefundableCents() int64 {
	if d.Status != StatusSucceeded && d.Status != StatusRefunded {
		return 0
	}
	if left := d.AmountCents - d.RefundedCents; left > 0 {
		return left
	}
	return 0
}

// Donor is a person who has completed at least one donation. Donors are
// keyed by normalized email and never deleted.
type Donor struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DonorUpsert carries the fields merged into a donor row. Empty fields never
// overwrite stored values; on insert they fall back to DefaultFirstName and
// DefaultLastName.
type DonorUpsert struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

// DonationPatch lists the fields a status transition may also set. Nil
// fields are left unchanged.
type DonationPatch struct {
	DonorID *string

	// RefundedCents only ever grows; a smaller value is ignored.
	RefundedCents *int64

	// RefundedDeltaCents is added to the stored refunded amount in the same
	// write, after RefundedCents. The result is capped at AmountCents.
	RefundedDeltaCents *int64
}

// WebhookEvent is an append-only log entry for a provider notification.
type WebhookEvent struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	EventType   string     `json:"eventType"`
	Payload     []byte     `json:"-"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// EventTypeWebhookError marks log rows recorded for rejected deliveries.
const EventTypeWebhookError = "webhook.error"

// CampaignActive is the only campaign status that accepts donations.
const CampaignActive = "active"

// Campaign is the subset of the campaign catalog checkout needs.
type Campaign struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Participant is a fundraiser within a campaign.
type Participant struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaignId"`
	Name       string `json:"name"`
}

// IdempotencyRecord binds a client idempotency key to the outcome of the
// first request that used it.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	DonationID  string    `json:"donationId,omitempty"`
	IntentID    string    `json:"intentId,omitempty"`
	RefundID    string    `json:"refundId,omitempty"`
	AmountCents int64     `json:"amountCents,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Idempotency key namespaces.
const (
	checkoutKeyPrefix = "checkout:"
	refundKeyPrefix   = "refund:"
)

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
