package stripe

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/godonate/pkg/gateway"
)

const testStripeAPIKey = "sk_test_1234567890"

func TestNewProvider(t *testing.T) {
	if _, err := NewProvider(Config{}); !errors.Is(err, gateway.ErrNotConfigured) {
		t.Fatalf("empty key: err = %v, want ErrNotConfigured", err)
	}

	p, err := NewProvider(Config{APIKey: testStripeAPIKey, Currency: " USD "})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if p.Name() != "stripe" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.currency != "usd" {
		t.Errorf("currency = %q, want usd", p.currency)
	}
	if p.Verifier.tolerance != defaultWebhookTolerance {
		t.Errorf("tolerance = %v, want %v", p.Verifier.tolerance, defaultWebhookTolerance)
	}
}

func TestCreateIntent_BelowMinimum(t *testing.T) {
	p, err := NewProvider(Config{APIKey: testStripeAPIKey})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	// The floor is checked before any request is built.
	_, err = p.CreateIntent(context.Background(), gateway.CreateIntentParams{AmountCents: 49})
	if !errors.Is(err, gateway.ErrAmountTooSmall) {
		t.Fatalf("err = %v, want ErrAmountTooSmall", err)
	}
}

func TestGetIntent_EmptyID(t *testing.T) {
	p, err := NewProvider(Config{APIKey: testStripeAPIKey})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if _, err := p.GetIntent(context.Background(), " "); !errors.Is(err, gateway.ErrIntentNotFound) {
		t.Fatalf("err = %v, want ErrIntentNotFound", err)
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name      string
		op        string
		err       error
		wantIs    error
		wantCode  string
		transient bool
	}{
		{
			name:   "missing intent on get",
			op:     "get_intent",
			err:    &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: codeResourceMissing, Msg: "No such payment_intent"},
			wantIs: gateway.ErrIntentNotFound,
		},
		{
			name:     "missing resource elsewhere",
			op:       "create_refund",
			err:      &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: codeResourceMissing, Msg: "gone"},
			wantIs:   gateway.ErrProviderAPI,
			wantCode: codeResourceMissing,
		},
		{
			name:   "already refunded",
			op:     "create_refund",
			err:    &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Code: codeChargeAlreadyRefunded},
			wantIs: gateway.ErrAlreadyRefunded,
		},
		{
			name:      "server error",
			op:        "create_intent",
			err:       &stripe.Error{HTTPStatusCode: http.StatusBadGateway, Msg: "upstream"},
			wantIs:    gateway.ErrProviderAPI,
			transient: true,
		},
		{
			name:      "network error",
			op:        "create_intent",
			err:       errors.New("connection reset"),
			wantIs:    gateway.ErrProviderAPI,
			transient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapError(tt.op, tt.err)
			if !errors.Is(got, tt.wantIs) {
				t.Fatalf("wrapError() = %v, want errors.Is %v", got, tt.wantIs)
			}
			var gerr *gateway.Error
			if errors.As(got, &gerr) {
				if gerr.Op != tt.op {
					t.Errorf("Op = %q, want %q", gerr.Op, tt.op)
				}
				if gerr.Code != tt.wantCode {
					t.Errorf("Code = %q, want %q", gerr.Code, tt.wantCode)
				}
				if gerr.Transient() != tt.transient {
					t.Errorf("Transient() = %v, want %v", gerr.Transient(), tt.transient)
				}
			}
		})
	}
}

func TestToIntent(t *testing.T) {
	pi := &stripe.PaymentIntent{
		ID:           "pi_1",
		ClientSecret: "pi_1_secret",
		Amount:       2500,
		Currency:     stripe.CurrencyUSD,
		Status:       stripe.PaymentIntentStatusProcessing,
		ReceiptEmail: "donor@example.com",
		Metadata:     map[string]string{"campaign_id": "c1"},
	}

	got := toIntent(pi)
	if got.ID != "pi_1" || got.ClientSecret != "pi_1_secret" || got.AmountCents != 2500 {
		t.Errorf("toIntent() = %+v", got)
	}
	if got.Currency != "usd" {
		t.Errorf("Currency = %q", got.Currency)
	}
	if got.Status != gateway.IntentProcessing {
		t.Errorf("Status = %q, want processing", got.Status)
	}
	if got.Metadata["campaign_id"] != "c1" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if got.PaymentFailed() {
		t.Error("processing intent reported as failed")
	}
}

func TestToIntent_LastPaymentError(t *testing.T) {
	pi := &stripe.PaymentIntent{
		ID:     "pi_2",
		Amount: 2500,
		Status: stripe.PaymentIntentStatusRequiresPaymentMethod,
		LastPaymentError: &stripe.Error{
			Code:        stripe.ErrorCodeCardDeclined,
			DeclineCode: stripe.DeclineCodeInsufficientFunds,
			Msg:         "Your card has insufficient funds.",
		},
	}

	got := toIntent(pi)
	if got.LastPaymentError != "Your card has insufficient funds." {
		t.Errorf("LastPaymentError = %q", got.LastPaymentError)
	}
	if !got.PaymentFailed() {
		t.Error("PaymentFailed() = false, want true")
	}

	pi.LastPaymentError = &stripe.Error{Code: stripe.ErrorCodeCardDeclined}
	if got := toIntent(pi); got.LastPaymentError != "card_declined" {
		t.Errorf("LastPaymentError = %q, want card_declined", got.LastPaymentError)
	}

	// A fresh intent waiting for its first payment method has not failed.
	pi.LastPaymentError = nil
	if toIntent(pi).PaymentFailed() {
		t.Error("fresh intent reported as failed")
	}
}
