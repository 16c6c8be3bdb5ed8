// Package firestore provides a Firestore implementation of the donation.Storage interface.
// Intent uniqueness is enforced through an index collection keyed by provider intent id,
// and every status transition runs inside a Firestore transaction.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/godonate/pkg/donation"
)

// Storage implements donation.Storage using Google Cloud Firestore
type Storage struct {
	client                *firestore.Client
	donationsCollection   string
	intentsCollection     string
	donorsCollection      string
	eventsCollection      string
	idempotencyCollection string
	idempotencyTTL        time.Duration
}

// Config holds Firestore storage configuration
type Config struct {
	// DonationsCollection holds donation documents keyed by donation id
	// Default: "donations"
	DonationsCollection string

	// IntentsCollection maps provider intent ids to donation ids
	// Default: "donation_intents"
	IntentsCollection string

	// DonorsCollection holds donors keyed by normalized email
	// Default: "donors"
	DonorsCollection string

	// EventsCollection is the webhook event log keyed by provider event id
	// Default: "webhook_events"
	EventsCollection string

	// IdempotencyCollection holds idempotency records
	// Default: "idempotency_keys"
	IdempotencyCollection string

	// IdempotencyTTL is stored as expiresAt on idempotency records so a Firestore
	// TTL policy can remove them. Default: 24h
	IdempotencyTTL time.Duration
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.DonationsCollection == "" {
		config.DonationsCollection = "donations"
	}
	if config.IntentsCollection == "" {
		config.IntentsCollection = "donation_intents"
	}
	if config.DonorsCollection == "" {
		config.DonorsCollection = "donors"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "webhook_events"
	}
	if config.IdempotencyCollection == "" {
		config.IdempotencyCollection = "idempotency_keys"
	}
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = 24 * time.Hour
	}

	return &Storage{
		client:                client,
		donationsCollection:   config.DonationsCollection,
		intentsCollection:     config.IntentsCollection,
		donorsCollection:      config.DonorsCollection,
		eventsCollection:      config.EventsCollection,
		idempotencyCollection: config.IdempotencyCollection,
		idempotencyTTL:        config.IdempotencyTTL,
	}, nil
}

// InsertDonation implements donation.Ledger
func (s *Storage) InsertDonation(ctx context.Context, d *donation.Donation) error {
	if d == nil || d.ID == "" || d.ProviderIntentID == "" {
		return fmt.Errorf("%w: donation id and intent id are required", donation.ErrInvalidRequest)
	}

	intentRef := s.client.Collection(s.intentsCollection).Doc(d.ProviderIntentID)
	donationRef := s.client.Collection(s.donationsCollection).Doc(d.ID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(intentRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			return donation.ErrDuplicateIntent
		}

		if err := tx.Create(intentRef, map[string]interface{}{
			"donationId": d.ID,
			"createdAt":  d.CreatedAt,
		}); err != nil {
			return err
		}
		return tx.Create(donationRef, donationData(d))
	})
	if errors.Is(err, donation.ErrDuplicateIntent) || status.Code(err) == codes.AlreadyExists {
		return donation.ErrDuplicateIntent
	}
	if err != nil {
		return fmt.Errorf("failed to insert donation: %w", err)
	}
	return nil
}

// GetDonation implements donation.Ledger
func (s *Storage) GetDonation(ctx context.Context, id string) (*donation.Donation, error) {
	snap, err := s.client.Collection(s.donationsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, donation.ErrDonationNotFound
		}
		return nil, fmt.Errorf("failed to get donation: %w", err)
	}
	if !snap.Exists() {
		return nil, donation.ErrDonationNotFound
	}
	return donationFromData(snap.Ref.ID, snap.Data()), nil
}

// GetDonationByIntent implements donation.Ledger
func (s *Storage) GetDonationByIntent(ctx context.Context, intentID string) (*donation.Donation, error) {
	snap, err := s.client.Collection(s.intentsCollection).Doc(intentID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, donation.ErrDonationNotFound
		}
		return nil, fmt.Errorf("failed to get intent index: %w", err)
	}
	return s.GetDonation(ctx, getString(snap.Data(), "donationId"))
}

// TransitionDonation implements donation.Ledger inside a transaction
func (s *Storage) TransitionDonation(ctx context.Context, intentID string, from []donation.Status,
	to donation.Status, patch donation.DonationPatch) (*donation.Donation, bool, error) {
	var result *donation.Donation
	var applied bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		applied = false

		indexSnap, err := tx.Get(s.client.Collection(s.intentsCollection).Doc(intentID))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return donation.ErrDonationNotFound
			}
			return err
		}

		donationRef := s.client.Collection(s.donationsCollection).Doc(getString(indexSnap.Data(), "donationId"))
		snap, err := tx.Get(donationRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return donation.ErrDonationNotFound
			}
			return err
		}

		current := donationFromData(donationRef.ID, snap.Data())
		if !statusIn(current.Status, from) {
			result = current
			return nil
		}

		now := time.Now().UTC()
		updates := []firestore.Update{
			{Path: "status", Value: string(to)},
			{Path: "updatedAt", Value: now},
		}
		current.Status = to
		current.UpdatedAt = now
		if patch.DonorID != nil {
			updates = append(updates, firestore.Update{Path: "donorId", Value: *patch.DonorID})
			current.DonorID = *patch.DonorID
		}
		refunded := current.RefundedCents
		if patch.RefundedCents != nil && *patch.RefundedCents > refunded {
			refunded = *patch.RefundedCents
		}
		if patch.RefundedDeltaCents != nil {
			refunded = min(current.AmountCents, refunded+*patch.RefundedDeltaCents)
		}
		if refunded != current.RefundedCents {
			updates = append(updates, firestore.Update{Path: "refundedCents", Value: refunded})
			current.RefundedCents = refunded
		}

		if err := tx.Update(donationRef, updates); err != nil {
			return err
		}
		result = current
		applied = true
		return nil
	})
	if errors.Is(err, donation.ErrDonationNotFound) {
		return nil, false, donation.ErrDonationNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to transition donation: %w", err)
	}
	return result, applied, nil
}

// ListPendingDonations implements donation.Ledger
func (s *Storage) ListPendingDonations(ctx context.Context, olderThan time.Time, limit int) ([]*donation.Donation, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.client.Collection(s.donationsCollection).
		Where("status", "==", string(donation.StatusPending)).
		Where("createdAt", "<", olderThan).
		OrderBy("createdAt", firestore.Asc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending donations: %w", err)
	}

	out := make([]*donation.Donation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, donationFromData(doc.Ref.ID, doc.Data()))
	}
	return out, nil
}

// UpsertDonor implements donation.DonorStore inside a transaction keyed by email
func (s *Storage) UpsertDonor(ctx context.Context, u donation.DonorUpsert) (*donation.Donor, error) {
	email := donation.NormalizeEmail(u.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: donor email is required", donation.ErrInvalidRequest)
	}

	ref := s.client.Collection(s.donorsCollection).Doc(email)
	var result donation.Donor

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if snap != nil && snap.Exists() {
			existing := donorFromData(snap.Data())
			donation.MergeDonor(existing, u)
			existing.UpdatedAt = now
			result = *existing
			return tx.Set(ref, donorData(existing))
		}

		donor := donation.NewDonorFromUpsert(u)
		donor.ID = uuid.NewString()
		donor.CreatedAt = now
		donor.UpdatedAt = now
		result = donor
		return tx.Create(ref, donorData(&donor))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert donor: %w", err)
	}
	return &result, nil
}

// GetDonorByEmail implements donation.DonorStore
func (s *Storage) GetDonorByEmail(ctx context.Context, email string) (*donation.Donor, error) {
	snap, err := s.client.Collection(s.donorsCollection).Doc(donation.NormalizeEmail(email)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, donation.ErrDonorNotFound
		}
		return nil, fmt.Errorf("failed to get donor: %w", err)
	}
	return donorFromData(snap.Data()), nil
}

// AppendEvent implements donation.EventLog
func (s *Storage) AppendEvent(ctx context.Context, e *donation.WebhookEvent) (bool, error) {
	if e == nil || e.ID == "" {
		return false, fmt.Errorf("%w: event id is required", donation.ErrInvalidRequest)
	}
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	data := map[string]interface{}{
		"source":     e.Source,
		"eventType":  e.EventType,
		"payload":    e.Payload,
		"receivedAt": receivedAt,
		"processed":  e.Processed,
		"error":      e.Error,
		"retryable":  e.EventType != donation.EventTypeWebhookError,
	}
	if e.ProcessedAt != nil {
		data["processedAt"] = *e.ProcessedAt
	}

	_, err := s.client.Collection(s.eventsCollection).Doc(e.ID).Create(ctx, data)
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to append event: %w", err)
	}
	return true, nil
}

// GetEvent implements donation.EventLog
func (s *Storage) GetEvent(ctx context.Context, id string) (*donation.WebhookEvent, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, donation.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return eventFromData(id, snap.Data()), nil
}

// MarkEventProcessed implements donation.EventLog
func (s *Storage) MarkEventProcessed(ctx context.Context, id string, at time.Time, note string) error {
	_, err := s.client.Collection(s.eventsCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "processed", Value: true},
		{Path: "processedAt", Value: at.UTC()},
		{Path: "error", Value: note},
	})
	if status.Code(err) == codes.NotFound {
		return donation.ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// MarkEventFailed implements donation.EventLog. Processed events are left
// untouched.
func (s *Storage) MarkEventFailed(ctx context.Context, id string, msg string) error {
	ref := s.client.Collection(s.eventsCollection).Doc(id)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if getBool(snap.Data(), "processed") {
			return nil
		}
		return tx.Update(ref, []firestore.Update{{Path: "error", Value: msg}})
	})
	if status.Code(err) == codes.NotFound {
		return donation.ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	return nil
}

// ListUnprocessedEvents implements donation.EventLog
func (s *Storage) ListUnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]*donation.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.client.Collection(s.eventsCollection).
		Where("processed", "==", false).
		Where("retryable", "==", true).
		Where("receivedAt", "<", before).
		OrderBy("receivedAt", firestore.Asc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}

	out := make([]*donation.WebhookEvent, 0, len(docs))
	for _, doc := range docs {
		out = append(out, eventFromData(doc.Ref.ID, doc.Data()))
	}
	return out, nil
}

// GetIdempotencyRecord implements donation.IdempotencyStore
func (s *Storage) GetIdempotencyRecord(ctx context.Context, key string) (*donation.IdempotencyRecord, error) {
	if key == "" {
		return nil, nil
	}
	snap, err := s.client.Collection(s.idempotencyCollection).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	data := snap.Data()
	if expiresAt := getTime(data, "expiresAt"); !expiresAt.IsZero() && time.Now().After(expiresAt) {
		return nil, nil
	}
	return &donation.IdempotencyRecord{
		Key:         key,
		Fingerprint: getString(data, "fingerprint"),
		DonationID:  getString(data, "donationId"),
		IntentID:    getString(data, "intentId"),
		RefundID:    getString(data, "refundId"),
		AmountCents: getInt64(data, "amountCents"),
		CreatedAt:   getTime(data, "createdAt"),
	}, nil
}

// SaveIdempotencyRecord implements donation.IdempotencyStore
func (s *Storage) SaveIdempotencyRecord(ctx context.Context, rec *donation.IdempotencyRecord) (bool, error) {
	if rec == nil || rec.Key == "" {
		return false, fmt.Errorf("%w: idempotency key is required", donation.ErrInvalidRequest)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.client.Collection(s.idempotencyCollection).Doc(rec.Key).Create(ctx, map[string]interface{}{
		"fingerprint": rec.Fingerprint,
		"donationId":  rec.DonationID,
		"intentId":    rec.IntentID,
		"refundId":    rec.RefundID,
		"amountCents": rec.AmountCents,
		"createdAt":   createdAt,
		"expiresAt":   createdAt.Add(s.idempotencyTTL),
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to save idempotency record: %w", err)
	}
	return true, nil
}

func statusIn(st donation.Status, set []donation.Status) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

func donationData(d *donation.Donation) map[string]interface{} {
	return map[string]interface{}{
		"campaignId":       d.CampaignID,
		"participantId":    d.ParticipantID,
		"donorId":          d.DonorID,
		"amountCents":      d.AmountCents,
		"feeCents":         d.FeeCents,
		"netCents":         d.NetCents,
		"platformFeeCents": d.PlatformFeeCents,
		"providerFeeCents": d.ProviderFeeCents,
		"refundedCents":    d.RefundedCents,
		"currency":         d.Currency,
		"providerIntentId": d.ProviderIntentID,
		"status":           string(d.Status),
		"message":          d.Message,
		"donorEmail":       d.DonorEmail,
		"donorName":        d.DonorName,
		"idempotencyKey":   d.IdempotencyKey,
		"createdAt":        d.CreatedAt,
		"updatedAt":        d.UpdatedAt,
	}
}

func donationFromData(id string, data map[string]interface{}) *donation.Donation {
	return &donation.Donation{
		ID:               id,
		CampaignID:       getString(data, "campaignId"),
		ParticipantID:    getString(data, "participantId"),
		DonorID:          getString(data, "donorId"),
		AmountCents:      getInt64(data, "amountCents"),
		FeeCents:         getInt64(data, "feeCents"),
		NetCents:         getInt64(data, "netCents"),
		PlatformFeeCents: getInt64(data, "platformFeeCents"),
		ProviderFeeCents: getInt64(data, "providerFeeCents"),
		RefundedCents:    getInt64(data, "refundedCents"),
		Currency:         getString(data, "currency"),
		ProviderIntentID: getString(data, "providerIntentId"),
		Status:           donation.Status(getString(data, "status")),
		Message:          getString(data, "message"),
		DonorEmail:       getString(data, "donorEmail"),
		DonorName:        getString(data, "donorName"),
		IdempotencyKey:   getString(data, "idempotencyKey"),
		CreatedAt:        getTime(data, "createdAt"),
		UpdatedAt:        getTime(data, "updatedAt"),
	}
}

func donorData(d *donation.Donor) map[string]interface{} {
	return map[string]interface{}{
		"id":        d.ID,
		"email":     d.Email,
		"firstName": d.FirstName,
		"lastName":  d.LastName,
		"phone":     d.Phone,
		"createdAt": d.CreatedAt,
		"updatedAt": d.UpdatedAt,
	}
}

func donorFromData(data map[string]interface{}) *donation.Donor {
	return &donation.Donor{
		ID:        getString(data, "id"),
		Email:     getString(data, "email"),
		FirstName: getString(data, "firstName"),
		LastName:  getString(data, "lastName"),
		Phone:     getString(data, "phone"),
		CreatedAt: getTime(data, "createdAt"),
		UpdatedAt: getTime(data, "updatedAt"),
	}
}

func eventFromData(id string, data map[string]interface{}) *donation.WebhookEvent {
	e := &donation.WebhookEvent{
		ID:         id,
		Source:     getString(data, "source"),
		EventType:  getString(data, "eventType"),
		Payload:    getBytes(data, "payload"),
		ReceivedAt: getTime(data, "receivedAt"),
		Processed:  getBool(data, "processed"),
		Error:      getString(data, "error"),
	}
	if at := getTime(data, "processedAt"); !at.IsZero() {
		e.ProcessedAt = &at
	}
	return e
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getBytes(data map[string]interface{}, key string) []byte {
	v, _ := data[key].([]byte)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
