package donation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/godonate/pkg/donation"
	"github.com/mihaimyh/godonate/pkg/gateway"
	"github.com/mihaimyh/godonate/pkg/gateway/stripe/stripetest"
	"github.com/mihaimyh/godonate/storage/memory"
)

const (
	testCampaignID    = "camp-active"
	testInactiveID    = "camp-closed"
	testParticipantID = "part-1"
	testOtherPartID   = "part-other"
)

// flakyLedger fails TransitionDonation while failTransitions is set.
type flakyLedger struct {
	*memory.Storage

	mu              sync.Mutex
	failTransitions bool
	failInserts     bool
}

var errLedgerDown = errors.New("ledger unavailable")

func (l *flakyLedger) setFailTransitions(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failTransitions = v
}

func (l *flakyLedger) setFailInserts(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failInserts = v
}

func (l *flakyLedger) TransitionDonation(ctx context.Context, intentID string, from []donation.Status,
	to donation.Status, patch donation.DonationPatch) (*donation.Donation, bool, error) {
	l.mu.Lock()
	fail := l.failTransitions
	l.mu.Unlock()
	if fail {
		return nil, false, errLedgerDown
	}
	return l.Storage.TransitionDonation(ctx, intentID, from, to, patch)
}

func (l *flakyLedger) InsertDonation(ctx context.Context, d *donation.Donation) error {
	l.mu.Lock()
	fail := l.failInserts
	l.mu.Unlock()
	if fail {
		return errLedgerDown
	}
	return l.Storage.InsertDonation(ctx, d)
}

type fixture struct {
	store  *memory.Storage
	ledger *flakyLedger
	gw     *stripetest.Gateway
	svc    *donation.Service

	mu     sync.Mutex
	alerts []donation.Alert
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	store.PutCampaign(donation.Campaign{ID: testCampaignID, Name: "Spring Drive", Status: donation.CampaignActive})
	store.PutCampaign(donation.Campaign{ID: testInactiveID, Name: "Old Drive", Status: "closed"})
	store.PutParticipant(donation.Participant{ID: testParticipantID, CampaignID: testCampaignID, Name: "Runner"})
	store.PutParticipant(donation.Participant{ID: testOtherPartID, CampaignID: testInactiveID, Name: "Walker"})

	f := &fixture{
		store:  store,
		ledger: &flakyLedger{Storage: store},
		gw:     stripetest.New(""),
	}

	svc, err := donation.NewService(donation.Config{
		Ledger:      f.ledger,
		Donors:      store,
		Events:      store,
		Campaigns:   store,
		Idempotency: store,
		Gateway:     f.gw,
		Alerts: donation.AlertFunc(func(_ context.Context, a donation.Alert) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.alerts = append(f.alerts, a)
		}),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) alertsOf(kind donation.AlertKind) []donation.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []donation.Alert
	for _, a := range f.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func (f *fixture) checkout(t *testing.T, req donation.CheckoutRequest) *donation.CheckoutResult {
	t.Helper()
	if req.CampaignID == "" {
		req.CampaignID = testCampaignID
	}
	res, err := f.svc.CreateCheckout(context.Background(), req)
	require.NoError(t, err)
	return res
}

// deliver signs payload with the gateway secret and hands it to the service.
func (f *fixture) deliver(payload []byte) (*donation.WebhookResult, error) {
	body, sig := f.gw.SignedEvent(payload)
	return f.svc.HandleWebhook(context.Background(), body, sig)
}

func (f *fixture) succeed(t *testing.T, intentID string, amount int64, metadata map[string]string) *donation.WebhookResult {
	t.Helper()
	f.gw.SetIntentStatus(intentID, gateway.IntentSucceeded)
	res, err := f.deliver(stripetest.IntentPayload(stripetest.NewEventID(), "payment_intent.succeeded",
		intentID, amount, metadata, ""))
	require.NoError(t, err)
	return res
}

func (f *fixture) load(t *testing.T, id string) *donation.Donation {
	t.Helper()
	d, err := f.store.GetDonation(context.Background(), id)
	require.NoError(t, err)
	return d
}

func farFuture() time.Time { return time.Now().Add(time.Hour) }
