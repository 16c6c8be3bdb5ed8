package donation

import (
	"context"
	"time"
)

// Ledger persists donation records.
type Ledger interface {
	// InsertDonation stores a new pending donation. Returns ErrDuplicateIntent
	// if a donation already exists for the same provider intent.
	InsertDonation(ctx context.Context, d *Donation) error

	// GetDonation returns ErrDonationNotFound when no row matches.
	GetDonation(ctx context.Context, id string) (*Donation, error)

	// GetDonationByIntent returns ErrDonationNotFound when no row matches.
	GetDonationByIntent(ctx context.Context, intentID string) (*Donation, error)

	// TransitionDonation moves the donation for intentID to status `to` only if
	// its current status is one of `from`, applying patch in the same write.
	// It returns the row as stored after the call and whether this call
	// changed it. A status outside `from` is not an error.
	TransitionDonation(ctx context.Context, intentID string, from []Status, to Status,
		patch DonationPatch) (*Donation, bool, error)

	// ListPendingDonations returns pending donations created before olderThan,
	// oldest first.
	ListPendingDonations(ctx context.Context, olderThan time.Time, limit int) ([]*Donation, error)
}

// DonorStore persists donors keyed by normalized email.
type DonorStore interface {
	// UpsertDonor creates or merges the donor for u.Email atomically.
	UpsertDonor(ctx context.Context, u DonorUpsert) (*Donor, error)

	// GetDonorByEmail returns ErrDonorNotFound when no row matches.
	GetDonorByEmail(ctx context.Context, email string) (*Donor, error)
}

// EventLog is the append-only record of provider webhook deliveries.
type EventLog interface {
	// AppendEvent stores e unless an event with the same ID exists. It reports
	// whether the row was inserted.
	AppendEvent(ctx context.Context, e *WebhookEvent) (bool, error)

	// GetEvent returns ErrEventNotFound when no row matches.
	GetEvent(ctx context.Context, id string) (*WebhookEvent, error)

	// MarkEventProcessed flags the event processed. note is stored in the
	// error column and may be empty.
	MarkEventProcessed(ctx context.Context, id string, at time.Time, note string) error

	// MarkEventFailed records a processing error and leaves the event
	// unprocessed.
	MarkEventFailed(ctx context.Context, id string, msg string) error

	// ListUnprocessedEvents returns unprocessed events received before the
	// cutoff, oldest first. Rows for rejected deliveries (EventTypeWebhookError)
	// are never returned.
	ListUnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]*WebhookEvent, error)
}

// CampaignDirectory is the read-only view of the campaign catalog.
type CampaignDirectory interface {
	// GetCampaign returns ErrCampaignNotFound when no campaign matches.
	GetCampaign(ctx context.Context, id string) (*Campaign, error)

	// GetParticipant returns ErrParticipantNotFound when no participant matches.
	GetParticipant(ctx context.Context, id string) (*Participant, error)
}

// IdempotencyStore remembers the outcome of keyed requests.
type IdempotencyStore interface {
	// GetIdempotencyRecord returns nil, nil when the key is unknown.
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)

	// SaveIdempotencyRecord stores rec unless the key exists. It reports
	// whether the record was stored.
	SaveIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) (bool, error)
}

// Storage is implemented by backends that cover every persistence concern.
type Storage interface {
	Ledger
	DonorStore
	EventLog
	IdempotencyStore
}
