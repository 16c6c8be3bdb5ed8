package donation

import (
	"errors"
	"fmt"
)

var (
	// ErrBelowMinimum is returned when a donation is below the provider floor
	ErrBelowMinimum = errors.New("amount below minimum donation")

	// ErrInvalidRequest is returned for malformed request fields
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCampaignNotFound is returned when the campaign does not exist
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrCampaignNotActive is returned when the campaign does not accept donations
	ErrCampaignNotActive = errors.New("campaign not active")

	// ErrParticipantNotFound is returned when the participant does not exist
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrParticipantMismatch is returned when the participant belongs to another campaign
	ErrParticipantMismatch = errors.New("participant does not belong to campaign")

	// ErrDonationNotFound is returned when no donation matches
	ErrDonationNotFound = errors.New("donation not found")

	// ErrDonorNotFound is returned when no donor matches
	ErrDonorNotFound = errors.New("donor not found")

	// ErrEventNotFound is returned when no webhook event matches
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrDuplicateIntent is returned when a donation already exists for an intent
	ErrDuplicateIntent = errors.New("donation already exists for payment intent")

	// ErrIdempotencyKeyReused is returned when a key is replayed with a different request
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with different request")

	// ErrMissingSignature is returned when a webhook arrives without a signature header
	ErrMissingSignature = errors.New("missing webhook signature")

	// ErrIllegalTransition is returned when an event does not apply to the current status
	ErrIllegalTransition = errors.New("illegal donation status transition")

	// ErrInvalidRefundAmount is returned when a refund exceeds the refundable balance
	ErrInvalidRefundAmount = errors.New("invalid refund amount")

	// ErrStorageUnavailable is returned when the backend cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
	Err      error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Resource, e.ID, e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// ConflictError reports a uniqueness or idempotency conflict.
type ConflictError struct {
	Resource string
	Key      string
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Resource, e.Key, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// StateError describes an event that cannot move a donation from its
// current status.
type StateError struct {
	DonationID string
	From       Status
	Event      string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("donation %s: %s not allowed from %s", e.DonationID, e.Event, e.From)
}

func (e *StateError) Unwrap() error { return ErrIllegalTransition }
