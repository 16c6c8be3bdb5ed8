package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotConfigured is returned when the provider is missing credentials
	ErrNotConfigured = errors.New("payment provider not configured")

	// ErrAmountTooSmall is returned for amounts below the provider floor
	ErrAmountTooSmall = errors.New("amount below provider minimum")

	// ErrNotRefundable is returned when the underlying charge never succeeded
	ErrNotRefundable = errors.New("payment not refundable")

	// ErrAlreadyRefunded is returned when the charge has no refundable balance left
	ErrAlreadyRefunded = errors.New("payment already refunded")

	// ErrInvalidSignature is returned when webhook verification fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook body cannot be decoded
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrIntentNotFound is returned when the provider has no such intent
	ErrIntentNotFound = errors.New("payment intent not found")

	// ErrProviderAPI is returned when the provider API call fails
	ErrProviderAPI = errors.New("payment provider API error")

	// ErrCircuitOpen is returned when the provider breaker is open
	ErrCircuitOpen = errors.New("payment provider circuit breaker is open")
)

// Error describes a failed provider API call.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: provider returned %d (%s): %v", e.Op, e.StatusCode, e.Code, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: provider returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every Error match ErrProviderAPI.
func (e *Error) Is(target error) bool { return target == ErrProviderAPI }

// Transient reports whether the failure may succeed on retry: network errors,
// rate limiting and provider 5xx responses.
func (e *Error) Transient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}
