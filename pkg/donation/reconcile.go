package donation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/godonate/pkg/gateway"
)

// Outcome describes what a webhook delivery did.
type Outcome string

const (
	// OutcomeAccepted: the ledger was updated.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeDuplicate: the event was already processed.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeIgnored: the event type is not handled.
	OutcomeIgnored Outcome = "ignored"

	// OutcomeOrphaned: no donation exists for the intent.
	OutcomeOrphaned Outcome = "orphaned"

	// OutcomeNoop: the donation was already in the target state or the
	// transition is not allowed.
	OutcomeNoop Outcome = "noop"
)

// orphanNote is stored on processed events whose intent had no donation.
const orphanNote = "orphaned intent"

// WebhookResult reports how a verified delivery was handled.
type WebhookResult struct {
	EventID   string  `json:"eventId"`
	EventType string  `json:"eventType"`
	Outcome   Outcome `json:"outcome"`
	Duplicate bool    `json:"duplicate,omitempty"`
}

// HandleWebhook verifies a raw webhook delivery, records it and applies it to
// the ledger. The payload must be the untouched request body.
//
// A returned error means the provider should redeliver, except for
// ErrMissingSignature and gateway.ErrInvalidSignature which are final.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	start := time.Now()

	if strings.TrimSpace(signature) == "" {
		s.metrics.RecordWebhookEvent("unverified", "rejected")
		s.logger.Warn("webhook rejected", Field{"error", ErrMissingSignature.Error()})
		return nil, ErrMissingSignature
	}

	event, err := s.gateway.VerifySignature(payload, signature)
	if err != nil {
		if errors.Is(err, gateway.ErrNotConfigured) {
			return nil, err
		}
		s.metrics.RecordWebhookEvent("unverified", "rejected")
		s.recordRejected(ctx, payload, err)
		return nil, err
	}

	res, err := s.processEvent(ctx, event, payload)
	s.metrics.RecordWebhookProcessingDuration(string(event.Type), time.Since(start))
	if err != nil {
		s.metrics.RecordWebhookEvent(string(event.Type), "error")
		s.logger.Error("webhook processing failed",
			Field{"event_id", event.ID},
			Field{"event_type", event.ProviderType},
			Field{"intent_id", event.IntentID},
			Field{"error", err.Error()})
		return nil, err
	}
	s.metrics.RecordWebhookEvent(string(event.Type), string(res.Outcome))
	return res, nil
}

// recordRejected logs a delivery that failed verification. The row is never
// dispatched.
func (s *Service) recordRejected(ctx context.Context, payload []byte, cause error) {
	s.logger.Warn("webhook signature rejected", Field{"error", cause.Error()})

	_, err := s.events.AppendEvent(ctx, &WebhookEvent{
		ID:         "whe_" + uuid.NewString(),
		Source:     s.source,
		EventType:  EventTypeWebhookError,
		Payload:    payload,
		ReceivedAt: s.now().UTC(),
		Error:      cause.Error(),
	})
	if err != nil {
		s.logger.Error("failed to record rejected webhook", Field{"error", err.Error()})
	}
}

func (s *Service) processEvent(ctx context.Context, event *gateway.Event, payload []byte) (*WebhookResult, error) {
	res := &WebhookResult{EventID: event.ID, EventType: event.ProviderType}

	inserted, err := s.events.AppendEvent(ctx, &WebhookEvent{
		ID:         event.ID,
		Source:     s.source,
		EventType:  event.ProviderType,
		Payload:    payload,
		ReceivedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("append webhook event: %w", err)
	}
	if !inserted {
		stored, err := s.events.GetEvent(ctx, event.ID)
		if err != nil {
			return nil, fmt.Errorf("load webhook event: %w", err)
		}
		if stored.Processed {
			s.logger.Debug("duplicate webhook event", Field{"event_id", event.ID})
			res.Outcome = OutcomeDuplicate
			res.Duplicate = true
			return res, nil
		}
		// A previous delivery failed or is still running.
	}

	outcome, err := s.dispatchAndMark(ctx, event, "webhook")
	if err != nil {
		return nil, err
	}
	res.Outcome = outcome
	return res, nil
}

// dispatchAndMark applies event and then flags it processed. Concurrent
// deliveries of the same event id share one dispatch.
func (s *Service) dispatchAndMark(ctx context.Context, event *gateway.Event, source string) (Outcome, error) {
	v, err, _ := s.dispatchGroup.Do(event.ID, func() (interface{}, error) {
		outcome, err := s.dispatch(ctx, event, source)
		if err != nil {
			if markErr := s.events.MarkEventFailed(ctx, event.ID, err.Error()); markErr != nil {
				s.logger.Error("failed to record webhook error",
					Field{"event_id", event.ID},
					Field{"error", markErr.Error()})
			}
			return nil, err
		}

		note := ""
		if outcome == OutcomeOrphaned {
			note = orphanNote
		}
		if err := s.events.MarkEventProcessed(ctx, event.ID, s.now().UTC(), note); err != nil {
			return nil, fmt.Errorf("mark event processed: %w", err)
		}
		return outcome, nil
	})
	if err != nil {
		return "", err
	}
	return v.(Outcome), nil
}

func (s *Service) dispatch(ctx context.Context, event *gateway.Event, source string) (Outcome, error) {
	rule, ok := transitions[event.Type]
	if !ok {
		s.logger.Info("ignoring webhook event",
			Field{"event_id", event.ID},
			Field{"event_type", event.ProviderType})
		return OutcomeIgnored, nil
	}
	if event.IntentID == "" {
		s.logger.Warn("webhook event without payment intent",
			Field{"event_id", event.ID},
			Field{"event_type", event.ProviderType})
		return OutcomeIgnored, nil
	}

	d, err := s.ledger.GetDonationByIntent(ctx, event.IntentID)
	if err != nil {
		if errors.Is(err, ErrDonationNotFound) {
			s.metrics.RecordOrphanedIntent(source)
			s.alert(ctx, Alert{Kind: AlertOrphanedIntent, IntentID: event.IntentID, EventID: event.ID})
			return OutcomeOrphaned, nil
		}
		return "", fmt.Errorf("load donation: %w", err)
	}

	return s.apply(ctx, d, event, rule)
}

// apply moves d according to rule. Losing a race to another writer is not an
// error.
func (s *Service) apply(ctx context.Context, d *Donation, event *gateway.Event, rule transitionRule) (Outcome, error) {
	if !containsStatus(rule.from, d.Status) {
		if d.Status == rule.to {
			s.logger.Debug("donation already in target state",
				Field{"donation_id", d.ID},
				Field{"status", string(d.Status)})
			return OutcomeNoop, nil
		}
		serr := &StateError{DonationID: d.ID, From: d.Status, Event: string(event.Type)}
		s.logger.Warn("ignoring webhook event",
			Field{"donation_id", d.ID},
			Field{"event_id", event.ID},
			Field{"error", serr.Error()})
		return OutcomeNoop, nil
	}

	var patch DonationPatch
	switch rule.to {
	case StatusSucceeded:
		donor, err := s.upsertDonor(ctx, d, event)
		if err != nil {
			return "", err
		}
		if donor != nil {
			patch.DonorID = &donor.ID
		}
	case StatusRefunded:
		refunded := event.AmountRefunded
		if refunded <= 0 || refunded > d.AmountCents {
			refunded = d.AmountCents
		}
		patch.RefundedCents = &refunded
	}

	updated, applied, err := s.ledger.TransitionDonation(ctx, d.ProviderIntentID, rule.from, rule.to, patch)
	if err != nil {
		return "", fmt.Errorf("transition donation %s: %w", d.ID, err)
	}
	if !applied {
		s.logger.Debug("donation changed concurrently",
			Field{"donation_id", d.ID},
			Field{"status", string(updated.Status)})
		return OutcomeNoop, nil
	}

	if d.Status != updated.Status {
		s.metrics.RecordTransition(d.Status, updated.Status)
	}
	s.logger.Info("donation updated",
		Field{"donation_id", d.ID},
		Field{"intent_id", d.ProviderIntentID},
		Field{"event_id", event.ID},
		Field{"from", string(d.Status)},
		Field{"to", string(updated.Status)})
	return OutcomeAccepted, nil
}

// upsertDonor records the donor for a succeeded payment. Donations without
// any email stay anonymous.
func (s *Service) upsertDonor(ctx context.Context, d *Donation, event *gateway.Event) (*Donor, error) {
	email := NormalizeEmail(firstNonEmpty(
		event.Metadata[gateway.MetadataDonorEmail],
		event.ReceiptEmail,
		event.BillingEmail,
		d.DonorEmail,
	))
	if email == "" {
		return nil, nil
	}

	first, last := SplitName(firstNonEmpty(
		event.Metadata[gateway.MetadataDonorName],
		event.BillingName,
		d.DonorName,
	))
	donor, err := s.donors.UpsertDonor(ctx, DonorUpsert{Email: email, FirstName: first, LastName: last})
	if err != nil {
		return nil, fmt.Errorf("upsert donor: %w", err)
	}
	return donor, nil
}

// Confirm re-reads the intent from the provider and applies its status to the
// donation. Client-asserted statuses are never trusted.
func (s *Service) Confirm(ctx context.Context, intentID string) (*Donation, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return nil, invalid("paymentIntentId", fmt.Errorf("%w: payment intent is required", ErrInvalidRequest))
	}

	d, err := s.ledger.GetDonationByIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrDonationNotFound) {
			return nil, &NotFoundError{Resource: "donation", ID: intentID, Err: ErrDonationNotFound}
		}
		return nil, err
	}

	if _, err := s.syncWithProvider(ctx, d, "confirm"); err != nil {
		return nil, err
	}
	return s.ledger.GetDonation(ctx, d.ID)
}

// syncWithProvider applies the provider's terminal intent status to d.
func (s *Service) syncWithProvider(ctx context.Context, d *Donation, source string) (Outcome, error) {
	intent, err := s.gateway.GetIntent(ctx, d.ProviderIntentID)
	if err != nil {
		return "", fmt.Errorf("fetch payment intent: %w", err)
	}

	var eventType gateway.EventType
	switch intent.Status {
	case gateway.IntentSucceeded:
		eventType = gateway.EventIntentSucceeded
	case gateway.IntentCanceled:
		eventType = gateway.EventIntentCanceled
	case gateway.IntentRequiresPaymentMethod:
		if !intent.PaymentFailed() {
			return OutcomeNoop, nil
		}
		eventType = gateway.EventIntentPaymentFailed
	default:
		return OutcomeNoop, nil
	}

	event := &gateway.Event{
		ID:           source + ":" + intent.ID,
		Type:         eventType,
		IntentID:     intent.ID,
		Metadata:     intent.Metadata,
		ReceiptEmail: intent.ReceiptEmail,
		AmountCents:  intent.AmountCents,
	}
	return s.apply(ctx, d, event, transitions[eventType])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
