package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = &Error{Op: "create_intent", StatusCode: 503, Err: errors.New("unavailable")}

func alwaysCounts(error) bool { return true }

func TestCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 100 * time.Millisecond
	var lastState BreakerState
	cb := NewCircuitBreaker(threshold, timeout, func(state BreakerState) {
		lastState = state
	})

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		err := cb.Execute(func() error { return errors.New("fail") }, alwaysCounts)
		assert.Error(t, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure should open the circuit
	err := cb.Execute(func() error { return errors.New("fail") }, alwaysCounts)
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	// Open breaker fails fast
	called := false
	err = cb.Execute(func() error { called = true; return nil }, alwaysCounts)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	err = cb.Execute(func() error { return nil }, alwaysCounts)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)
}

func TestCircuitBreaker_IgnoresUncountedErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, nil)

	err := cb.Execute(func() error { return ErrAmountTooSmall }, countsAsFailure)
	assert.ErrorIs(t, err, ErrAmountTooSmall)
	assert.Equal(t, StateClosed, cb.State())

	err = cb.Execute(func() error { return errTransient }, countsAsFailure)
	assert.ErrorIs(t, err, ErrProviderAPI)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCountsAsFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"provider 503", errTransient, true},
		{"provider 429", &Error{StatusCode: 429, Err: errors.New("slow down")}, true},
		{"network", &Error{Err: errors.New("connection reset")}, true},
		{"provider 400", &Error{StatusCode: 400, Code: "parameter_invalid", Err: errors.New("bad")}, false},
		{"not refundable", ErrNotRefundable, false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, countsAsFailure(tt.err))
		})
	}
}

type failingGateway struct {
	calls int
	err   error
}

func (f *failingGateway) Name() string { return "fake" }

func (f *failingGateway) CreateIntent(_ context.Context, _ CreateIntentParams) (*Intent, error) {
	f.calls++
	return nil, f.err
}

func (f *failingGateway) GetIntent(_ context.Context, id string) (*Intent, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Intent{ID: id, Status: IntentSucceeded}, nil
}

func (f *failingGateway) CreateRefund(_ context.Context, _ RefundParams) (*Refund, error) {
	f.calls++
	return nil, f.err
}

func (f *failingGateway) VerifySignature(_ []byte, _ string) (*Event, error) {
	return &Event{ID: "evt_1"}, nil
}

func (f *failingGateway) DecodeEvent(_ []byte) (*Event, error) {
	return &Event{ID: "evt_1"}, nil
}

func TestWithCircuitBreaker(t *testing.T) {
	next := &failingGateway{err: errTransient}
	g := WithCircuitBreaker(next, BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()

	_, err := g.CreateIntent(ctx, CreateIntentParams{AmountCents: 100})
	assert.ErrorIs(t, err, ErrProviderAPI)
	_, err = g.GetIntent(ctx, "pi_1")
	assert.ErrorIs(t, err, ErrProviderAPI)
	assert.Equal(t, StateOpen, g.State())

	_, err = g.CreateRefund(ctx, RefundParams{IntentID: "pi_1"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, next.calls, "open breaker must not reach the provider")

	// Verification is local and unaffected by the breaker
	ev, err := g.VerifySignature([]byte("{}"), "sig")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
}
