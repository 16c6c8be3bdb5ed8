package donation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mihaimyh/godonate/pkg/gateway"
)

// RefundRequest refunds all or part of a succeeded donation.
type RefundRequest struct {
	DonationID string

	// AmountCents to refund. Zero refunds the remaining balance.
	AmountCents int64

	// Reason defaults to requested_by_customer.
	Reason gateway.RefundReason

	IdempotencyKey string
}

// RefundResult pairs the provider refund with the updated donation. Refund is
// nil when the donation had nothing left to refund.
type RefundResult struct {
	Refund   *gateway.Refund `json:"refund,omitempty"`
	Donation *Donation       `json:"donation"`
	Replayed bool            `json:"replayed,omitempty"`
}

// Refund issues a provider refund and records it on the donation.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	res, err := s.refund(ctx, req)
	switch {
	case err == nil && res.Refund == nil:
		s.metrics.RecordRefund("noop")
	case err == nil && res.Replayed:
		s.metrics.RecordRefund("replayed")
	case err == nil:
		s.metrics.RecordRefund("succeeded")
	case isClientError(err), errors.Is(err, gateway.ErrNotRefundable):
		s.metrics.RecordRefund("rejected")
	default:
		s.metrics.RecordRefund("error")
	}
	return res, err
}

func (s *Service) refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	d, err := s.GetDonation(ctx, strings.TrimSpace(req.DonationID))
	if err != nil {
		return nil, err
	}

	if req.Reason == "" {
		req.Reason = gateway.RefundReasonRequestedByCustomer
	}
	if !req.Reason.Valid() {
		return nil, invalid("reason", fmt.Errorf("%w: unknown refund reason %q", ErrInvalidRequest, req.Reason))
	}
	if req.AmountCents < 0 {
		return nil, invalid("amountCents", ErrInvalidRefundAmount)
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	fingerprint := refundFingerprint(d.ID, req.AmountCents, req.Reason)
	if key != "" {
		rec, err := s.idempotency.GetIdempotencyRecord(ctx, refundKeyPrefix+key)
		if err != nil {
			return nil, fmt.Errorf("load idempotency key: %w", err)
		}
		if rec != nil {
			if rec.Fingerprint != fingerprint {
				return nil, &ConflictError{Resource: "idempotency key", Key: key, Err: ErrIdempotencyKeyReused}
			}
			return &RefundResult{
				Refund: &gateway.Refund{
					ID:          rec.RefundID,
					IntentID:    rec.IntentID,
					AmountCents: rec.AmountCents,
					Status:      "succeeded",
					Reason:      req.Reason,
				},
				Donation: d,
				Replayed: true,
			}, nil
		}
	}

	switch d.Status {
	case StatusSucceeded:
	case StatusRefunded:
		if d.RefundableCents() == 0 {
			return &RefundResult{Donation: d}, nil
		}
	default:
		return nil, fmt.Errorf("donation %s is %s: %w", d.ID, d.Status, gateway.ErrNotRefundable)
	}

	remaining := d.RefundableCents()
	amount := req.AmountCents
	if amount == 0 {
		amount = remaining
	}
	if amount > remaining {
		return nil, invalid("amountCents", fmt.Errorf("%w: %d exceeds refundable %d", ErrInvalidRefundAmount, amount, remaining))
	}

	providerKey := key
	if providerKey == "" {
		providerKey = uuid.NewString()
	}
	refund, err := s.gateway.CreateRefund(ctx, gateway.RefundParams{
		IntentID:       d.ProviderIntentID,
		AmountCents:    amount,
		Reason:         req.Reason,
		IdempotencyKey: providerKey,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrAlreadyRefunded) {
			total := d.AmountCents
			updated, err := s.recordRefund(ctx, d, DonationPatch{RefundedCents: &total})
			if err != nil {
				return nil, err
			}
			return &RefundResult{Donation: updated}, nil
		}
		return nil, fmt.Errorf("create refund: %w", err)
	}

	// Concurrent refunds may have read the same balance, so the new total is
	// never derived from d.
	patch := DonationPatch{RefundedDeltaCents: &refund.AmountCents}
	if refund.ChargeRefundedCents > 0 {
		patch = DonationPatch{RefundedCents: &refund.ChargeRefundedCents}
	}
	updated, err := s.recordRefund(ctx, d, patch)
	if err != nil {
		return nil, err
	}

	if key != "" {
		if _, err := s.idempotency.SaveIdempotencyRecord(ctx, &IdempotencyRecord{
			Key:         refundKeyPrefix + key,
			Fingerprint: fingerprint,
			DonationID:  d.ID,
			IntentID:    d.ProviderIntentID,
			RefundID:    refund.ID,
			AmountCents: refund.AmountCents,
			CreatedAt:   s.now().UTC(),
		}); err != nil {
			s.logger.Warn("failed to save idempotency key",
				Field{"donation_id", d.ID},
				Field{"refund_id", refund.ID},
				Field{"error", err.Error()})
		}
	}

	s.logger.Info("donation refunded",
		Field{"donation_id", d.ID},
		Field{"refund_id", refund.ID},
		Field{"amount_cents", refund.AmountCents})
	return &RefundResult{Refund: refund, Donation: updated}, nil
}

// recordRefund moves d to refunded and applies patch to its refunded amount.
// The provider's charge.refunded webhook converges the same row if this fails.
func (s *Service) recordRefund(ctx context.Context, d *Donation, patch DonationPatch) (*Donation, error) {
	if patch.RefundedCents != nil && *patch.RefundedCents > d.AmountCents {
		capped := d.AmountCents
		patch.RefundedCents = &capped
	}
	from := []Status{StatusSucceeded, StatusRefunded}
	updated, applied, err := s.ledger.TransitionDonation(ctx, d.ProviderIntentID, from, StatusRefunded, patch)
	if err != nil {
		return nil, fmt.Errorf("record refund on donation %s: %w", d.ID, err)
	}
	if applied && d.Status != updated.Status {
		s.metrics.RecordTransition(d.Status, updated.Status)
	}
	return updated, nil
}

func refundFingerprint(donationID string, amount int64, reason gateway.RefundReason) string {
	sum := sha256.Sum256([]byte(donationID + "\x1f" + strconv.FormatInt(amount, 10) + "\x1f" + string(reason)))
	return hex.EncodeToString(sum[:])
}
