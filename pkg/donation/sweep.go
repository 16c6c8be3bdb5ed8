package donation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepConfig configures the maintenance pass.
type SweepConfig struct {
	// Grace is how old an unprocessed event or pending donation must be
	// before the sweeper touches it (default: 10 minutes).
	Grace time.Duration

	// BatchSize caps rows read per kind per pass (default: 100).
	BatchSize int

	// Concurrency caps parallel provider and ledger calls (default: 4).
	Concurrency int
}

// SweepReport summarizes one pass.
type SweepReport struct {
	EventsRetried     int `json:"eventsRetried"`
	EventsFailed      int `json:"eventsFailed"`
	DonationsChecked  int `json:"donationsChecked"`
	DonationsResolved int `json:"donationsResolved"`
	DonationsFailed   int `json:"donationsFailed"`
}

// Sweeper re-drives unprocessed webhook events and re-checks stale pending
// donations against the provider. It is safe to run next to live traffic.
type Sweeper struct {
	service *Service
	config  SweepConfig
}

// NewSweeper creates a sweeper for service.
func NewSweeper(service *Service, config SweepConfig) *Sweeper {
	if config.Grace <= 0 {
		config.Grace = 10 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &Sweeper{service: service, config: config}
}

// Run performs one pass. Individual item failures are counted and logged;
// only listing errors are returned.
func (sw *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		mu     sync.Mutex
	)
	s := sw.service
	cutoff := s.now().UTC().Add(-sw.config.Grace)

	events, err := s.events.ListUnprocessedEvents(ctx, cutoff, sw.config.BatchSize)
	if err != nil {
		return report, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sw.config.Concurrency)
	for _, e := range events {
		if e.EventType == EventTypeWebhookError {
			continue
		}
		e := e
		g.Go(func() error {
			err := sw.retryEvent(gctx, e)
			mu.Lock()
			if err != nil {
				report.EventsFailed++
			} else {
				report.EventsRetried++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	pending, err := s.ledger.ListPendingDonations(ctx, cutoff, sw.config.BatchSize)
	if err != nil {
		return report, err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(sw.config.Concurrency)
	for _, d := range pending {
		d := d
		g.Go(func() error {
			outcome, err := s.syncWithProvider(gctx, d, "sweep")
			mu.Lock()
			report.DonationsChecked++
			switch {
			case err != nil:
				report.DonationsFailed++
			case outcome == OutcomeAccepted:
				report.DonationsResolved++
			}
			mu.Unlock()

			if err != nil {
				s.metrics.RecordSweep("donation", "error")
				s.logger.Warn("sweep: donation check failed",
					Field{"donation_id", d.ID},
					Field{"intent_id", d.ProviderIntentID},
					Field{"error", err.Error()})
				return nil
			}
			s.metrics.RecordSweep("donation", string(outcome))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	s.logger.Info("sweep finished",
		Field{"events_retried", report.EventsRetried},
		Field{"events_failed", report.EventsFailed},
		Field{"donations_checked", report.DonationsChecked},
		Field{"donations_resolved", report.DonationsResolved})
	return report, nil
}

// retryEvent re-dispatches a stored event. Stored payloads were verified
// when they were appended, so they are decoded without a signature.
func (sw *Sweeper) retryEvent(ctx context.Context, e *WebhookEvent) error {
	s := sw.service
	event, err := s.gateway.DecodeEvent(e.Payload)
	if err != nil {
		s.metrics.RecordSweep("event", "error")
		s.logger.Warn("sweep: stored event undecodable",
			Field{"event_id", e.ID},
			Field{"error", err.Error()})
		if markErr := s.events.MarkEventFailed(ctx, e.ID, err.Error()); markErr != nil {
			s.logger.Error("sweep: failed to record event error", Field{"event_id", e.ID}, Field{"error", markErr.Error()})
		}
		return err
	}

	outcome, err := s.dispatchAndMark(ctx, event, "sweep")
	if err != nil {
		s.metrics.RecordSweep("event", "error")
		s.logger.Warn("sweep: event retry failed",
			Field{"event_id", e.ID},
			Field{"error", err.Error()})
		return err
	}
	s.metrics.RecordSweep("event", string(outcome))
	return nil
}

// Start runs a pass every interval until ctx is canceled. It blocks.
func (sw *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sw.Run(ctx); err != nil {
				sw.service.logger.Error("sweep failed", Field{"error", err.Error()})
			}
		}
	}
}
