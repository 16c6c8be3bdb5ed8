// Package echo provides Echo middleware for rate limiting and a helper that
// mounts the donation API on an Echo instance.
package echo

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/godonate/pkg/ratelimit"
)

// KeyExtractor extracts the rate limit key from an Echo context
// Return empty string to skip limiting for the request
type KeyExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Limiter decides whether a request may proceed (required)
	Limiter ratelimit.Limiter

	// Limit is the rate applied per key (required)
	Limit ratelimit.Config

	// GetKey extracts the caller key from context
	// Default: RealIP()
	GetKey KeyExtractor

	// Scope namespaces keys so routes can carry independent limits
	// Default: "echo"
	Scope string

	// FailOpen lets requests through when the limiter itself errors
	FailOpen bool

	// OnLimitExceeded is called when the limit is exceeded
	// If nil, uses default response: 429 JSON with rate limit headers
	OnLimitExceeded func(c echo.Context, info *ratelimit.Info) error

	// OnError is called when the limiter fails and FailOpen is false
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

// RateLimit creates an Echo middleware that throttles requests per key
func RateLimit(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Limiter == nil {
		panic("godonate/echo: Config.Limiter is required")
	}
	if err := cfg.Limit.Validate(); err != nil {
		panic("godonate/echo: invalid Config.Limit: " + err.Error())
	}

	// Set defaults
	if cfg.GetKey == nil {
		cfg.GetKey = RealIP()
	}
	if cfg.Scope == "" {
		cfg.Scope = "echo"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := cfg.GetKey(c)
			if key == "" {
				return next(c)
			}

			allowed, info, err := cfg.Limiter.Allow(c.Request().Context(), ratelimit.ScopedKey(cfg.Scope, key), cfg.Limit)
			if err != nil {
				if cfg.FailOpen {
					return next(c)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
			}

			now := time.Now()
			for k, v := range ratelimit.Headers(info, allowed, now) {
				c.Response().Header().Set(k, v)
			}

			if !allowed {
				if cfg.OnLimitExceeded != nil {
					return cfg.OnLimitExceeded(c, info)
				}
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":       "Rate limit exceeded",
					"retry_after": ratelimit.RetryAfterSeconds(info, now),
				})
			}

			return next(c)
		}
	}
}

// Mount registers the donation API routes on e, delegating to h (normally
// api.Handler.Routes()). Middleware passed in limit wraps the checkout and
// webhook routes only.
func Mount(e *echo.Echo, h http.Handler, limit ...echo.MiddlewareFunc) {
	wrapped := echo.WrapHandler(h)

	e.POST("/donations/checkout", wrapped, limit...)
	e.POST("/donations/confirm", wrapped)
	e.POST("/donations/:id/refund", wrapped)
	e.GET("/donations/fees/calculate", wrapped)
	e.POST("/webhooks/stripe", wrapped, limit...)
	e.GET("/healthz", wrapped)
}

// Convenience extractors

// RealIP returns a KeyExtractor that uses Echo's IP extraction, governed by
// the instance's IPExtractor setting
func RealIP() KeyExtractor {
	return func(c echo.Context) string {
		return c.RealIP()
	}
}

// FromHeader returns a KeyExtractor that gets the key from a header
func FromHeader(headerName string) KeyExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContext returns a KeyExtractor that gets the key from Echo context values
func FromContext(key string) KeyExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}
