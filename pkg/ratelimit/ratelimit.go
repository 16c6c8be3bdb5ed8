// Package ratelimit throttles requests per caller key. It backs the HTTP
// middleware that guards the checkout and webhook routes.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Algorithms supported by the limiters.
const (
	// AlgorithmTokenBucket allows bursts up to Burst and refills Rate tokens per Window.
	AlgorithmTokenBucket = "token_bucket"

	// AlgorithmSlidingWindow allows at most Rate requests in any Window.
	AlgorithmSlidingWindow = "sliding_window"
)

// ErrUnknownAlgorithm is returned for an unsupported Config.Algorithm.
var ErrUnknownAlgorithm = errors.New("unknown rate limit algorithm")

// Config defines a rate limit.
type Config struct {
	// Algorithm is AlgorithmTokenBucket or AlgorithmSlidingWindow
	Algorithm string

	// Rate is the number of requests allowed per window
	Rate int

	// Window is the time window for the rate limit (e.g., 1s, 1m)
	Window time.Duration

	// Burst is the bucket capacity for the token bucket algorithm.
	// Defaults to Rate.
	Burst int
}

// Validate reports whether c describes a usable limit.
func (c Config) Validate() error {
	switch c.Algorithm {
	case AlgorithmTokenBucket, AlgorithmSlidingWindow:
	default:
		return ErrUnknownAlgorithm
	}
	if c.Rate <= 0 || c.Window <= 0 {
		return errors.New("rate limit rate and window must be positive")
	}
	return nil
}

// Info describes the outcome of a rate limit check.
type Info struct {
	// Remaining is the number of requests remaining in the current window
	Remaining int

	// ResetTime is when the limit next frees capacity
	ResetTime time.Time

	// Limit is the configured rate
	Limit int
}

// Limiter decides whether a request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string, config Config) (bool, *Info, error)
}
