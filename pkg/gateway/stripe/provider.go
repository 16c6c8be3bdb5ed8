// Package stripe implements gateway.Gateway on top of Stripe PaymentIntents.
package stripe

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/godonate/pkg/gateway"
)

const (
	providerName            = "stripe"
	defaultCurrency         = "usd"
	defaultWebhookTolerance = 300 * time.Second

	codeResourceMissing       = "resource_missing"
	codeChargeAlreadyRefunded = "charge_already_refunded"
)

// Config holds Stripe credentials and options.
type Config struct {
	APIKey        string
	WebhookSecret string

	// WebhookTolerance bounds the age of a signed webhook timestamp.
	// Default: 5 minutes.
	WebhookTolerance time.Duration

	// Currency for new intents. Default: "usd".
	Currency string

	// Metrics is optional. If nil, metrics are silently ignored.
	Metrics gateway.Metrics
}

// Provider implements gateway.Gateway for Stripe.
type Provider struct {
	*Verifier

	client   *stripe.Client
	currency string
	metrics  gateway.Metrics
}

// NewProvider creates a Stripe gateway. The API key is required; the webhook
// secret may be empty if this instance never verifies webhooks.
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, gateway.ErrNotConfigured
	}

	currency := strings.ToLower(strings.TrimSpace(config.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &gateway.NoopMetrics{}
	}

	return &Provider{
		Verifier: NewVerifier(config.WebhookSecret, config.WebhookTolerance, metrics),
		client:   stripe.NewClient(apiKey),
		currency: currency,
		metrics:  metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// CreateIntent creates a PaymentIntent with automatic payment methods.
func (p *Provider) CreateIntent(ctx context.Context, in gateway.CreateIntentParams) (*gateway.Intent, error) {
	if in.AmountCents < gateway.MinimumAmountCents {
		return nil, gateway.ErrAmountTooSmall
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(in.AmountCents),
		Currency: stripe.String(p.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if email := strings.TrimSpace(in.DonorEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	for k, v := range gateway.IntentMetadata(in) {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(key)

	start := time.Now()
	pi, err := p.client.V1PaymentIntents.Create(ctx, params)
	p.record("create_intent", start, err)
	if err != nil {
		return nil, wrapError("create_intent", err)
	}

	return toIntent(pi), nil
}

// GetIntent retrieves the provider's current view of an intent.
func (p *Provider) GetIntent(ctx context.Context, intentID string) (*gateway.Intent, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, gateway.ErrIntentNotFound
	}

	start := time.Now()
	pi, err := p.client.V1PaymentIntents.Retrieve(ctx, intentID, nil)
	p.record("get_intent", start, err)
	if err != nil {
		return nil, wrapError("get_intent", err)
	}

	return toIntent(pi), nil
}

// CreateRefund refunds a succeeded intent. The intent status is checked
// against Stripe before the refund is requested.
func (p *Provider) CreateRefund(ctx context.Context, in gateway.RefundParams) (*gateway.Refund, error) {
	intent, err := p.GetIntent(ctx, in.IntentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != gateway.IntentSucceeded {
		return nil, gateway.ErrNotRefundable
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(in.IntentID),
	}
	if in.AmountCents > 0 {
		params.Amount = stripe.Int64(in.AmountCents)
	}
	if in.Reason != "" {
		params.Reason = stripe.String(string(in.Reason))
	}
	params.SetIdempotencyKey(key)
	params.AddExpand("charge")

	start := time.Now()
	r, err := p.client.V1Refunds.Create(ctx, params)
	p.record("create_refund", start, err)
	if err != nil {
		return nil, wrapError("create_refund", err)
	}

	refund := &gateway.Refund{
		ID:          r.ID,
		IntentID:    in.IntentID,
		AmountCents: r.Amount,
		Status:      string(r.Status),
		Reason:      gateway.RefundReason(r.Reason),
	}
	if r.Charge != nil {
		refund.ChargeRefundedCents = r.Charge.AmountRefunded
	}
	return refund, nil
}

func (p *Provider) record(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode != 0 {
			status = strconv.Itoa(serr.HTTPStatusCode)
		}
	}
	p.metrics.RecordAPICall(providerName, operation, status)
	p.metrics.RecordAPICallDuration(providerName, operation, time.Since(start))
}

// wrapError maps Stripe errors onto gateway errors.
func wrapError(op string, err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return &gateway.Error{Op: op, Err: err}
	}

	switch string(serr.Code) {
	case codeResourceMissing:
		if op == "get_intent" {
			return gateway.ErrIntentNotFound
		}
	case codeChargeAlreadyRefunded:
		return gateway.ErrAlreadyRefunded
	}

	return &gateway.Error{
		Op:         op,
		StatusCode: serr.HTTPStatusCode,
		Code:       string(serr.Code),
		Err:        errors.New(serr.Msg),
	}
}

func toIntent(pi *stripe.PaymentIntent) *gateway.Intent {
	intent := &gateway.Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Status:       gateway.IntentStatus(pi.Status),
		ReceiptEmail: pi.ReceiptEmail,
		Metadata:     pi.Metadata,
	}
	if e := pi.LastPaymentError; e != nil {
		intent.LastPaymentError = firstNonEmpty(e.Msg, string(e.DeclineCode), string(e.Code), "payment failed")
	}
	return intent
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
