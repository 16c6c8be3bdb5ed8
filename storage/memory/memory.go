// Package memory provides an in-memory implementation of the donation storage
// interfaces and campaign directory.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/godonate/pkg/donation"
)

// Storage implements donation.Storage and donation.CampaignDirectory using
// in-memory maps
type Storage struct {
	mu sync.RWMutex

	donations   map[string]*donation.Donation // by id
	byIntent    map[string]string             // intent id -> donation id
	donors      map[string]*donation.Donor    // by normalized email
	events      map[string]*donation.WebhookEvent
	idempotency map[string]*donation.IdempotencyRecord

	campaigns    map[string]*donation.Campaign
	participants map[string]*donation.Participant

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		donations:    make(map[string]*donation.Donation),
		byIntent:     make(map[string]string),
		donors:       make(map[string]*donation.Donor),
		events:       make(map[string]*donation.WebhookEvent),
		idempotency:  make(map[string]*donation.IdempotencyRecord),
		campaigns:    make(map[string]*donation.Campaign),
		participants: make(map[string]*donation.Participant),
		now:          time.Now,
	}
}

// InsertDonation implements donation.Ledger
func (s *Storage) InsertDonation(ctx context.Context, d *donation.Donation) error {
	if d == nil || d.ID == "" || d.ProviderIntentID == "" {
		return fmt.Errorf("%w: donation id and intent id are required", donation.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byIntent[d.ProviderIntentID]; exists {
		return donation.ErrDuplicateIntent
	}
	if _, exists := s.donations[d.ID]; exists {
		return fmt.Errorf("donation %s already exists", d.ID)
	}

	// Store a copy to prevent external mutations
	dCopy := *d
	s.donations[d.ID] = &dCopy
	s.byIntent[d.ProviderIntentID] = d.ID
	return nil
}

// GetDonation implements donation.Ledger
func (s *Storage) GetDonation(ctx context.Context, id string) (*donation.Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.donations[id]
	if !ok {
		return nil, donation.ErrDonationNotFound
	}
	dCopy := *d
	return &dCopy, nil
}

// GetDonationByIntent implements donation.Ledger
func (s *Storage) GetDonationByIntent(ctx context.Context, intentID string) (*donation.Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIntent[intentID]
	if !ok {
		return nil, donation.ErrDonationNotFound
	}
	dCopy := *s.donations[id]
	return &dCopy, nil
}

// TransitionDonation implements donation.Ledger
func (s *Storage) TransitionDonation(ctx context.Context, intentID string, from []donation.Status,
	to donation.Status, patch donation.DonationPatch) (*donation.Donation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byIntent[intentID]
	if !ok {
		return nil, false, donation.ErrDonationNotFound
	}
	d := s.donations[id]

	allowed := false
	for _, st := range from {
		if d.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		dCopy := *d
		return &dCopy, false, nil
	}

	d.Status = to
	if patch.DonorID != nil {
		d.DonorID = *patch.DonorID
	}
	if patch.RefundedCents != nil && *patch.RefundedCents > d.RefundedCents {
		d.RefundedCents = *patch.RefundedCents
	}
	if patch.RefundedDeltaCents != nil {
		d.RefundedCents = min(d.AmountCents, d.RefundedCents+*patch.RefundedDeltaCents)
	}
	d.UpdatedAt = s.now().UTC()

	dCopy := *d
	return &dCopy, true, nil
}

// ListPendingDonations implements donation.Ledger
func (s *Storage) ListPendingDonations(ctx context.Context, olderThan time.Time, limit int) ([]*donation.Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*donation.Donation
	for _, d := range s.donations {
		if d.Status == donation.StatusPending && d.CreatedAt.Before(olderThan) {
			dCopy := *d
			out = append(out, &dCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertDonor implements donation.DonorStore
func (s *Storage) UpsertDonor(ctx context.Context, u donation.DonorUpsert) (*donation.Donor, error) {
	email := donation.NormalizeEmail(u.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: donor email is required", donation.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if existing, ok := s.donors[email]; ok {
		donation.MergeDonor(existing, u)
		existing.UpdatedAt = now
		dCopy := *existing
		return &dCopy, nil
	}

	donor := donation.NewDonorFromUpsert(u)
	donor.ID = uuid.NewString()
	donor.CreatedAt = now
	donor.UpdatedAt = now
	s.donors[email] = &donor

	dCopy := donor
	return &dCopy, nil
}

// GetDonorByEmail implements donation.DonorStore
func (s *Storage) GetDonorByEmail(ctx context.Context, email string) (*donation.Donor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.donors[donation.NormalizeEmail(email)]
	if !ok {
		return nil, donation.ErrDonorNotFound
	}
	dCopy := *d
	return &dCopy, nil
}

// DonorCount returns the number of stored donors.
func (s *Storage) DonorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.donors)
}

// AppendEvent implements donation.EventLog
func (s *Storage) AppendEvent(ctx context.Context, e *donation.WebhookEvent) (bool, error) {
	if e == nil || e.ID == "" {
		return false, fmt.Errorf("%w: event id is required", donation.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[e.ID]; exists {
		return false, nil
	}
	s.events[e.ID] = copyEvent(e)
	return true, nil
}

// GetEvent implements donation.EventLog
func (s *Storage) GetEvent(ctx context.Context, id string) (*donation.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, donation.ErrEventNotFound
	}
	return copyEvent(e), nil
}

// MarkEventProcessed implements donation.EventLog
func (s *Storage) MarkEventProcessed(ctx context.Context, id string, at time.Time, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return donation.ErrEventNotFound
	}
	e.Processed = true
	processedAt := at
	e.ProcessedAt = &processedAt
	e.Error = note
	return nil
}

// MarkEventFailed implements donation.EventLog
func (s *Storage) MarkEventFailed(ctx context.Context, id string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return donation.ErrEventNotFound
	}
	if e.Processed {
		return nil
	}
	e.Error = msg
	return nil
}

// ListUnprocessedEvents implements donation.EventLog
func (s *Storage) ListUnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]*donation.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*donation.WebhookEvent
	for _, e := range s.events {
		if !e.Processed && e.ReceivedAt.Before(before) && e.EventType != donation.EventTypeWebhookError {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns every stored event, oldest first.
func (s *Storage) Events() []*donation.WebhookEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*donation.WebhookEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, copyEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// GetIdempotencyRecord implements donation.IdempotencyStore
func (s *Storage) GetIdempotencyRecord(ctx context.Context, key string) (*donation.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idempotency[key]
	if !ok {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

// SaveIdempotencyRecord implements donation.IdempotencyStore
func (s *Storage) SaveIdempotencyRecord(ctx context.Context, rec *donation.IdempotencyRecord) (bool, error) {
	if rec == nil || rec.Key == "" {
		return false, fmt.Errorf("%w: idempotency key is required", donation.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.idempotency[rec.Key]; exists {
		return false, nil
	}
	recCopy := *rec
	s.idempotency[rec.Key] = &recCopy
	return true, nil
}

// PutCampaign stores or replaces a campaign.
func (s *Storage) PutCampaign(c donation.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = &c
}

// PutParticipant stores or replaces a participant.
func (s *Storage) PutParticipant(p donation.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.ID] = &p
}

// GetCampaign implements donation.CampaignDirectory
func (s *Storage) GetCampaign(ctx context.Context, id string) (*donation.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, donation.ErrCampaignNotFound
	}
	cCopy := *c
	return &cCopy, nil
}

// GetParticipant implements donation.CampaignDirectory
func (s *Storage) GetParticipant(ctx context.Context, id string) (*donation.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, donation.ErrParticipantNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

func copyEvent(e *donation.WebhookEvent) *donation.WebhookEvent {
	out := *e
	out.Payload = append([]byte(nil), e.Payload...)
	if e.ProcessedAt != nil {
		at := *e.ProcessedAt
		out.ProcessedAt = &at
	}
	return &out
}
