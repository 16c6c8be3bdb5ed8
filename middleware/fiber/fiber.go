// Package fiber provides Fiber middleware for rate limiting and a helper that
// mounts the donation API on a Fiber app through the net/http adaptor.
package fiber

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/mihaimyh/godonate/pkg/ratelimit"
)

// KeyExtractor extracts the rate limit key from a Fiber context
// Return empty string to skip limiting for the request
type KeyExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Limiter decides whether a request may proceed (required)
	Limiter ratelimit.Limiter

	// Limit is the rate applied per key (required)
	Limit ratelimit.Config

	// GetKey extracts the caller key from context
	// Default: IP()
	GetKey KeyExtractor

	// Scope namespaces keys so routes can carry independent limits
	// Default: "fiber"
	Scope string

	// FailOpen lets requests through when the limiter itself errors
	FailOpen bool

	// OnLimitExceeded is called when the limit is exceeded
	// If nil, uses default response: 429 JSON with rate limit headers
	OnLimitExceeded func(c *fiber.Ctx, info *ratelimit.Info) error

	// OnError is called when the limiter fails and FailOpen is false
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// RateLimit creates a Fiber middleware that throttles requests per key
func RateLimit(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Limiter == nil {
		panic("godonate/fiber: Config.Limiter is required")
	}
	if err := cfg.Limit.Validate(); err != nil {
		panic("godonate/fiber: invalid Config.Limit: " + err.Error())
	}

	// Set defaults
	if cfg.GetKey == nil {
		cfg.GetKey = IP()
	}
	if cfg.Scope == "" {
		cfg.Scope = "fiber"
	}

	return func(c *fiber.Ctx) error {
		key := cfg.GetKey(c)
		if key == "" {
			return c.Next()
		}

		allowed, info, err := cfg.Limiter.Allow(c.UserContext(), ratelimit.ScopedKey(cfg.Scope, key), cfg.Limit)
		if err != nil {
			if cfg.FailOpen {
				return c.Next()
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
		}

		now := time.Now()
		for k, v := range ratelimit.Headers(info, allowed, now) {
			c.Set(k, v)
		}

		if !allowed {
			if cfg.OnLimitExceeded != nil {
				return cfg.OnLimitExceeded(c, info)
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Rate limit exceeded",
				"retry_after": ratelimit.RetryAfterSeconds(info, now),
			})
		}

		return c.Next()
	}
}

// Mount registers the donation API routes on r, delegating to h (normally
// api.Handler.Routes()). Handlers passed in limit run before h on the
// checkout and webhook routes only.
func Mount(r fiber.Router, h http.Handler, limit ...fiber.Handler) {
	open := adaptor.HTTPHandler(h)
	limited := append(append([]fiber.Handler{}, limit...), open)

	r.Post("/donations/checkout", limited...)
	r.Post("/donations/confirm", open)
	r.Post("/donations/:id/refund", open)
	r.Get("/donations/fees/calculate", open)
	r.Post("/webhooks/stripe", limited...)
	r.Get("/healthz", open)
}

// Convenience extractors

// IP returns a KeyExtractor that uses Fiber's client IP, governed by the
// app's ProxyHeader setting
func IP() KeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.IP()
	}
}

// FromHeader returns a KeyExtractor that gets the key from a header
func FromHeader(headerName string) KeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns a KeyExtractor that gets the key from c.Locals, for
// example an account id stored by auth middleware
func FromLocals(key string) KeyExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}
