package donation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mihaimyh/godonate/pkg/fees"
	"github.com/mihaimyh/godonate/pkg/gateway"
)

// CheckoutRequest starts a donation.
type CheckoutRequest struct {
	AmountCents   int64
	CampaignID    string
	ParticipantID string
	DonorEmail    string
	DonorName     string
	Message       string

	// IdempotencyKey makes retries of the same request return the original
	// donation. Optional.
	IdempotencyKey string
}

// CheckoutResult is returned to the client, which completes payment with the
// intent's client secret.
type CheckoutResult struct {
	Intent   *gateway.Intent `json:"paymentIntent"`
	Donation *Donation       `json:"donation"`
	Fees     fees.Breakdown  `json:"feeBreakdown"`

	// Replayed is set when the result was produced by an earlier request.
	Replayed bool `json:"replayed,omitempty"`
}

// CreateCheckout validates req, creates a provider intent and records a
// pending donation with the frozen fee breakdown.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	start := time.Now()
	res, err := s.createCheckout(ctx, req)
	s.metrics.RecordCheckoutDuration(time.Since(start))

	switch {
	case err == nil && res.Replayed:
		s.metrics.RecordCheckout("replayed")
	case err == nil:
		s.metrics.RecordCheckout("created")
	case isClientError(err):
		s.metrics.RecordCheckout("rejected")
	default:
		s.metrics.RecordCheckout("error")
	}
	return res, err
}

func (s *Service) createCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	req = req.normalize()
	if err := s.validateCheckout(ctx, req); err != nil {
		return nil, err
	}

	breakdown, err := s.fees.Calculate(req.AmountCents)
	if err != nil {
		return nil, invalid("amountCents", err)
	}

	if req.IdempotencyKey == "" {
		return s.issueCheckout(ctx, req, breakdown, uuid.NewString())
	}

	fingerprint := req.fingerprint()
	// Shared by every waiter on the key, so not bound to the first caller's cancellation.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.checkoutGroup.Do(req.IdempotencyKey+"\x00"+fingerprint, func() (interface{}, error) {
		return s.keyedCheckout(shared, req, breakdown, fingerprint)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CheckoutResult), nil
}

func (s *Service) validateCheckout(ctx context.Context, req CheckoutRequest) error {
	if req.AmountCents < gateway.MinimumAmountCents {
		return invalid("amountCents", ErrBelowMinimum)
	}
	if utf8.RuneCountInString(req.Message) > MaxMessageLength {
		return invalid("message", fmt.Errorf("%w: message longer than %d characters", ErrInvalidRequest, MaxMessageLength))
	}
	if req.CampaignID == "" {
		return invalid("campaignId", fmt.Errorf("%w: campaign is required", ErrInvalidRequest))
	}

	campaign, err := s.campaigns.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		if errors.Is(err, ErrCampaignNotFound) {
			return &NotFoundError{Resource: "campaign", ID: req.CampaignID, Err: ErrCampaignNotFound}
		}
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Status != CampaignActive {
		return invalid("campaignId", ErrCampaignNotActive)
	}

	if req.ParticipantID == "" {
		return nil
	}
	participant, err := s.campaigns.GetParticipant(ctx, req.ParticipantID)
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return &NotFoundError{Resource: "participant", ID: req.ParticipantID, Err: ErrParticipantNotFound}
		}
		return fmt.Errorf("load participant: %w", err)
	}
	if participant.CampaignID != req.CampaignID {
		return invalid("participantId", ErrParticipantMismatch)
	}
	return nil
}

// keyedCheckout runs at most once per key and fingerprint in this process.
func (s *Service) keyedCheckout(ctx context.Context, req CheckoutRequest, breakdown fees.Breakdown,
	fingerprint string) (*CheckoutResult, error) {
	storeKey := checkoutKeyPrefix + req.IdempotencyKey

	rec, err := s.idempotency.GetIdempotencyRecord(ctx, storeKey)
	if err != nil {
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}
	if rec != nil {
		if rec.Fingerprint != fingerprint {
			return nil, &ConflictError{Resource: "idempotency key", Key: req.IdempotencyKey, Err: ErrIdempotencyKeyReused}
		}
		return s.replayCheckout(ctx, rec)
	}

	res, err := s.issueCheckout(ctx, req, breakdown, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	saved, err := s.idempotency.SaveIdempotencyRecord(ctx, &IdempotencyRecord{
		Key:         storeKey,
		Fingerprint: fingerprint,
		DonationID:  res.Donation.ID,
		IntentID:    res.Intent.ID,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		// The provider key and the unique intent id still dedupe retries.
		s.logger.Warn("failed to save idempotency key",
			Field{"donation_id", res.Donation.ID},
			Field{"error", err.Error()})
	} else if !saved {
		s.logger.Debug("idempotency key saved concurrently",
			Field{"donation_id", res.Donation.ID})
	}
	return res, nil
}

func (s *Service) replayCheckout(ctx context.Context, rec *IdempotencyRecord) (*CheckoutResult, error) {
	d, err := s.ledger.GetDonation(ctx, rec.DonationID)
	if err != nil {
		return nil, fmt.Errorf("load donation for idempotency key: %w", err)
	}
	intent, err := s.gateway.GetIntent(ctx, rec.IntentID)
	if err != nil {
		return nil, fmt.Errorf("load intent for idempotency key: %w", err)
	}
	return &CheckoutResult{Intent: intent, Donation: d, Fees: frozenFees(d), Replayed: true}, nil
}

func (s *Service) issueCheckout(ctx context.Context, req CheckoutRequest, breakdown fees.Breakdown,
	providerKey string) (*CheckoutResult, error) {
	intent, err := s.gateway.CreateIntent(ctx, gateway.CreateIntentParams{
		AmountCents:    req.AmountCents,
		CampaignID:     req.CampaignID,
		ParticipantID:  req.ParticipantID,
		DonorEmail:     req.DonorEmail,
		DonorName:      req.DonorName,
		Message:        req.Message,
		IdempotencyKey: providerKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	now := s.now().UTC()
	d := &Donation{
		ID:               uuid.NewString(),
		CampaignID:       req.CampaignID,
		ParticipantID:    req.ParticipantID,
		AmountCents:      breakdown.AmountCents,
		FeeCents:         breakdown.TotalFeeCents,
		NetCents:         breakdown.NetCents,
		PlatformFeeCents: breakdown.PlatformFeeCents,
		ProviderFeeCents: breakdown.ProviderFeeCents,
		Currency:         Currency,
		ProviderIntentID: intent.ID,
		Status:           StatusPending,
		Message:          req.Message,
		DonorEmail:       req.DonorEmail,
		DonorName:        req.DonorName,
		IdempotencyKey:   providerKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.ledger.InsertDonation(ctx, d); err != nil {
		if errors.Is(err, ErrDuplicateIntent) {
			existing, getErr := s.ledger.GetDonationByIntent(ctx, intent.ID)
			if getErr == nil {
				return &CheckoutResult{Intent: intent, Donation: existing, Fees: frozenFees(existing), Replayed: true}, nil
			}
			err = getErr
		}
		s.metrics.RecordOrphanedIntent("checkout")
		s.alert(ctx, Alert{Kind: AlertLedgerWriteFailed, IntentID: intent.ID, DonationID: d.ID, Err: err})
		return nil, fmt.Errorf("record donation for intent %s: %w", intent.ID, err)
	}

	s.logger.Info("donation created",
		Field{"donation_id", d.ID},
		Field{"intent_id", intent.ID},
		Field{"campaign_id", d.CampaignID},
		Field{"amount_cents", d.AmountCents})

	return &CheckoutResult{Intent: intent, Donation: d, Fees: breakdown}, nil
}

func (r CheckoutRequest) normalize() CheckoutRequest {
	r.CampaignID = strings.TrimSpace(r.CampaignID)
	r.ParticipantID = strings.TrimSpace(r.ParticipantID)
	r.DonorEmail = NormalizeEmail(r.DonorEmail)
	r.DonorName = strings.Join(strings.Fields(r.DonorName), " ")
	r.Message = strings.TrimSpace(r.Message)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	return r
}

// fingerprint identifies the request body bound to an idempotency key.
func (r CheckoutRequest) fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		strconv.FormatInt(r.AmountCents, 10),
		r.CampaignID,
		r.ParticipantID,
		r.DonorEmail,
		r.DonorName,
		r.Message,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func frozenFees(d *Donation) fees.Breakdown {
	return fees.Breakdown{
		AmountCents:      d.AmountCents,
		PlatformFeeCents: d.PlatformFeeCents,
		ProviderFeeCents: d.ProviderFeeCents,
		TotalFeeCents:    d.FeeCents,
		NetCents:         d.NetCents,
	}
}

func isClientError(err error) bool {
	var verr *ValidationError
	var nerr *NotFoundError
	var cerr *ConflictError
	return errors.As(err, &verr) || errors.As(err, &nerr) || errors.As(err, &cerr)
}
