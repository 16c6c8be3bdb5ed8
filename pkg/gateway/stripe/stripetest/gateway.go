// Package stripetest provides an in-process stand-in for Stripe that speaks
// the real webhook signing scheme. It is meant for tests and local runs.
package stripetest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/godonate/pkg/gateway"
	"github.com/mihaimyh/godonate/pkg/gateway/stripe"
)

// DefaultSecret is the webhook secret used by New when none is given.
const DefaultSecret = "whsec_test_secret"

// Gateway is an in-memory gateway.Gateway. Intents and refunds created with
// the same idempotency key return the original object, as Stripe does.
type Gateway struct {
	*stripe.Verifier

	mu       sync.Mutex
	secret   string
	seq      int
	intents  map[string]*gateway.Intent
	keys     map[string]string // idempotency key -> intent id
	refunds  map[string]*gateway.Refund
	refunded map[string]int64 // intent id -> cumulative refunded cents
	counts   map[string]int

	// Fail* errors are returned by the matching call while set.
	FailCreateIntent error
	FailGetIntent    error
	FailCreateRefund error

	// Latency is added to every provider call.
	Latency time.Duration
}

// New creates a fake gateway verifying webhooks with secret.
func New(secret string) *Gateway {
	if secret == "" {
		secret = DefaultSecret
	}
	return &Gateway{
		Verifier: stripe.NewVerifier(secret, 0, nil),
		secret:   secret,
		intents:  make(map[string]*gateway.Intent),
		keys:     make(map[string]string),
		refunds:  make(map[string]*gateway.Refund),
		refunded: make(map[string]int64),
		counts:   make(map[string]int),
	}
}

func (g *Gateway) Name() string { return "stripe" }

// Secret returns the webhook signing secret.
func (g *Gateway) Secret() string { return g.secret }

// Calls returns how many times operation reached the fake provider.
func (g *Gateway) Calls(operation string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[operation]
}

func (g *Gateway) CreateIntent(ctx context.Context, in gateway.CreateIntentParams) (*gateway.Intent, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	if in.AmountCents < gateway.MinimumAmountCents {
		return nil, gateway.ErrAmountTooSmall
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts["create_intent"]++
	if g.FailCreateIntent != nil {
		return nil, g.FailCreateIntent
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	if id, ok := g.keys[key]; ok {
		return copyIntent(g.intents[id]), nil
	}

	g.seq++
	id := fmt.Sprintf("pi_test_%d", g.seq)
	intent := &gateway.Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString()[:8],
		AmountCents:  in.AmountCents,
		Currency:     "usd",
		Status:       gateway.IntentRequiresPaymentMethod,
		ReceiptEmail: in.DonorEmail,
		Metadata:     gateway.IntentMetadata(in),
	}
	g.intents[id] = intent
	g.keys[key] = id
	return copyIntent(intent), nil
}

func (g *Gateway) GetIntent(ctx context.Context, intentID string) (*gateway.Intent, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts["get_intent"]++
	if g.FailGetIntent != nil {
		return nil, g.FailGetIntent
	}

	intent, ok := g.intents[intentID]
	if !ok {
		return nil, gateway.ErrIntentNotFound
	}
	return copyIntent(intent), nil
}

func (g *Gateway) CreateRefund(ctx context.Context, in gateway.RefundParams) (*gateway.Refund, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts["create_refund"]++
	if g.FailCreateRefund != nil {
		return nil, g.FailCreateRefund
	}

	if in.IdempotencyKey != "" {
		if r, ok := g.refunds[in.IdempotencyKey]; ok {
			rc := *r
			return &rc, nil
		}
	}

	intent, ok := g.intents[in.IntentID]
	if !ok {
		return nil, gateway.ErrIntentNotFound
	}
	if intent.Status != gateway.IntentSucceeded {
		return nil, gateway.ErrNotRefundable
	}

	remaining := intent.AmountCents - g.refunded[in.IntentID]
	if remaining <= 0 {
		return nil, gateway.ErrAlreadyRefunded
	}
	amount := in.AmountCents
	if amount == 0 {
		amount = remaining
	}
	if amount > remaining {
		return nil, &gateway.Error{
			Op:         "create_refund",
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("refund amount %d is greater than unrefunded amount %d", amount, remaining),
		}
	}
	g.refunded[in.IntentID] += amount

	g.seq++
	refund := &gateway.Refund{
		ID:                  fmt.Sprintf("re_test_%d", g.seq),
		IntentID:            in.IntentID,
		AmountCents:         amount,
		Status:              "succeeded",
		Reason:              in.Reason,
		ChargeRefundedCents: g.refunded[in.IntentID],
	}
	key := in.IdempotencyKey
	if key == "" {
		key = refund.ID
	}
	g.refunds[key] = refund
	rc := *refund
	return &rc, nil
}

// SetIntentStatus moves an intent to status, as the provider would after
// the client confirms or cancels it.
func (g *Gateway) SetIntentStatus(intentID string, status gateway.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if intent, ok := g.intents[intentID]; ok {
		intent.Status = status
	}
}

// DeclinePayment records a failed payment attempt: the intent returns to
// requires_payment_method with reason as its last payment error.
func (g *Gateway) DeclinePayment(intentID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if intent, ok := g.intents[intentID]; ok {
		intent.Status = gateway.IntentRequiresPaymentMethod
		intent.LastPaymentError = reason
	}
}

// AddIntent registers an intent created outside the fake, e.g. to simulate an
// intent whose local record was lost.
func (g *Gateway) AddIntent(intent gateway.Intent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[intent.ID] = &intent
}

// SignedEvent signs payload with the gateway secret and the current time.
func (g *Gateway) SignedEvent(payload []byte) (body []byte, header string) {
	return payload, Sign(payload, g.secret, time.Time{})
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(g.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyIntent(in *gateway.Intent) *gateway.Intent {
	out := *in
	if in.Metadata != nil {
		out.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
