// Package donation keeps an internal ledger of donations consistent with the
// payment provider's asynchronous webhook stream.
package donation

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/godonate/pkg/fees"
	"github.com/mihaimyh/godonate/pkg/gateway"
)

// AlertKind classifies an operational alert.
type AlertKind string

const (
	// AlertOrphanedIntent: the provider knows an intent the ledger does not.
	AlertOrphanedIntent AlertKind = "orphaned_intent"

	// AlertLedgerWriteFailed: an intent was created but the ledger insert failed.
	AlertLedgerWriteFailed AlertKind = "ledger_write_failed"
)

// Alert is raised for conditions an operator must reconcile by hand.
type Alert struct {
	Kind       AlertKind
	IntentID   string
	DonationID string
	EventID    string
	Err        error
	At         time.Time
}

// AlertHandler receives operational alerts.
type AlertHandler interface {
	OnAlert(ctx context.Context, alert Alert)
}

// AlertFunc adapts a function to AlertHandler.
type AlertFunc func(ctx context.Context, alert Alert)

func (f AlertFunc) OnAlert(ctx context.Context, alert Alert) { f(ctx, alert) }

// Config wires a Service.
type Config struct {
	Ledger      Ledger
	Donors      DonorStore
	Events      EventLog
	Campaigns   CampaignDirectory
	Idempotency IdempotencyStore

	Gateway gateway.Gateway
	Fees    *fees.Calculator

	// Source is stored on every webhook event (default: gateway name).
	Source string

	// Metrics is used for tracking donation processing (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Alerts receives operational alerts (optional)
	Alerts AlertHandler

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service implements checkout, webhook reconciliation, confirmation and
// refunds on top of the configured stores and gateway.
type Service struct {
	ledger      Ledger
	donors      DonorStore
	events      EventLog
	campaigns   CampaignDirectory
	idempotency IdempotencyStore
	gateway     gateway.Gateway
	fees        *fees.Calculator

	source  string
	metrics Metrics
	logger  Logger
	alerts  AlertHandler
	now     func() time.Time

	checkoutGroup singleflight.Group
	dispatchGroup singleflight.Group
}

// NewService validates config and creates a Service.
func NewService(config Config) (*Service, error) {
	if config.Ledger == nil || config.Donors == nil || config.Events == nil || config.Idempotency == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Campaigns == nil {
		return nil, errors.New("campaign directory is required")
	}
	if config.Gateway == nil {
		return nil, gateway.ErrNotConfigured
	}
	if config.Fees == nil {
		calc, err := fees.NewCalculator(fees.DefaultConfig())
		if err != nil {
			return nil, err
		}
		config.Fees = calc
	}
	if config.Source == "" {
		config.Source = config.Gateway.Name()
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Service{
		ledger:      config.Ledger,
		donors:      config.Donors,
		events:      config.Events,
		campaigns:   config.Campaigns,
		idempotency: config.Idempotency,
		gateway:     config.Gateway,
		fees:        config.Fees,
		source:      config.Source,
		metrics:     config.Metrics,
		logger:      config.Logger,
		alerts:      config.Alerts,
		now:         config.Now,
	}, nil
}

// NewServiceWithStorage wires every store from a single backend.
func NewServiceWithStorage(storage Storage, campaigns CampaignDirectory, gw gateway.Gateway, config Config) (*Service, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	config.Ledger = storage
	config.Donors = storage
	config.Events = storage
	config.Idempotency = storage
	config.Campaigns = campaigns
	config.Gateway = gw
	return NewService(config)
}

// Fees returns the configured fee calculator.
func (s *Service) Fees() *fees.Calculator { return s.fees }

// Gateway returns the configured payment gateway.
func (s *Service) Gateway() gateway.Gateway { return s.gateway }

// GetDonation returns a donation by ID.
func (s *Service) GetDonation(ctx context.Context, id string) (*Donation, error) {
	d, err := s.ledger.GetDonation(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDonationNotFound) {
			return nil, &NotFoundError{Resource: "donation", ID: id, Err: ErrDonationNotFound}
		}
		return nil, err
	}
	return d, nil
}

func (s *Service) alert(ctx context.Context, a Alert) {
	a.At = s.now().UTC()
	fields := []Field{
		{"alert", string(a.Kind)},
		{"intent_id", a.IntentID},
	}
	if a.DonationID != "" {
		fields = append(fields, Field{"donation_id", a.DonationID})
	}
	if a.EventID != "" {
		fields = append(fields, Field{"event_id", a.EventID})
	}
	if a.Err != nil {
		fields = append(fields, Field{"error", a.Err.Error()})
	}
	s.logger.Error("operational alert", fields...)

	if s.alerts != nil {
		s.alerts.OnAlert(ctx, a)
	}
}
