package gateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of the circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitBreaker trips after consecutive provider failures and fails fast
// until the reset timeout elapses.
type CircuitBreaker struct {
	mu sync.RWMutex

	state               BreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	onStateChange func(state BreakerState)
}

// NewCircuitBreaker creates a breaker. onStateChange may be nil.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state BreakerState)) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onStateChange:    onStateChange,
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() BreakerState {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the breaker is open. Only errors for which counts
// returns true are recorded as failures; the rest pass through untouched.
func (cb *CircuitBreaker) Execute(fn func() error, counts func(error) bool) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && counts(err) {
		cb.Failure()
		return err
	}

	cb.Success()
	return err
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold {
		cb.changeState(StateOpen)
	}
}

func (cb *CircuitBreaker) changeState(newState BreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// BreakerConfig configures WithCircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int           // default 5
	ResetTimeout     time.Duration // default 30s
	Metrics          Metrics
}

// BreakerGateway guards the provider API calls of another Gateway with a
// circuit breaker. Signature verification is local and never guarded.
type BreakerGateway struct {
	next    Gateway
	breaker *CircuitBreaker
}

// WithCircuitBreaker wraps g with a circuit breaker.
func WithCircuitBreaker(g Gateway, config BreakerConfig) *BreakerGateway {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	name := g.Name()

	return &BreakerGateway{
		next: g,
		breaker: NewCircuitBreaker(config.FailureThreshold, config.ResetTimeout, func(state BreakerState) {
			metrics.RecordCircuitBreakerStateChange(name, string(state))
		}),
	}
}

// State returns the breaker state.
func (b *BreakerGateway) State() BreakerState {
	return b.breaker.State()
}

func (b *BreakerGateway) Name() string { return b.next.Name() }

func (b *BreakerGateway) CreateIntent(ctx context.Context, params CreateIntentParams) (*Intent, error) {
	var intent *Intent
	err := b.breaker.Execute(func() error {
		var err error
		intent, err = b.next.CreateIntent(ctx, params)
		return err
	}, countsAsFailure)
	return intent, err
}

func (b *BreakerGateway) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	var intent *Intent
	err := b.breaker.Execute(func() error {
		var err error
		intent, err = b.next.GetIntent(ctx, intentID)
		return err
	}, countsAsFailure)
	return intent, err
}

func (b *BreakerGateway) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	var refund *Refund
	err := b.breaker.Execute(func() error {
		var err error
		refund, err = b.next.CreateRefund(ctx, params)
		return err
	}, countsAsFailure)
	return refund, err
}

func (b *BreakerGateway) VerifySignature(payload []byte, signatureHeader string) (*Event, error) {
	return b.next.VerifySignature(payload, signatureHeader)
}

func (b *BreakerGateway) DecodeEvent(payload []byte) (*Event, error) {
	return b.next.DecodeEvent(payload)
}

// countsAsFailure trips the breaker only on transient provider errors, not on
// caller mistakes or cancellations.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return false
}
