// Package gin provides Gin middleware for rate limiting and a helper that
// mounts the donation API on a Gin engine.
package gin

import (
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/godonate/pkg/ratelimit"
)

// KeyExtractor extracts the rate limit key from a Gin context
// Return empty string to skip limiting for the request
type KeyExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Limiter decides whether a request may proceed (required)
	Limiter ratelimit.Limiter

	// Limit is the rate applied per key (required)
	Limit ratelimit.Config

	// GetKey extracts the caller key from context
	// Default: ClientIP()
	GetKey KeyExtractor

	// Scope namespaces keys so routes can carry independent limits
	// Default: "gin"
	Scope string

	// FailOpen lets requests through when the limiter itself errors
	FailOpen bool

	// OnLimitExceeded is called when the limit is exceeded
	// If nil, uses default response: 429 JSON with rate limit headers
	OnLimitExceeded func(c *gongin.Context, info *ratelimit.Info)

	// OnError is called when the limiter fails and FailOpen is false
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// RateLimit creates a Gin middleware that throttles requests per key
func RateLimit(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Limiter == nil {
		panic("godonate/gin: Config.Limiter is required")
	}
	if err := cfg.Limit.Validate(); err != nil {
		panic("godonate/gin: invalid Config.Limit: " + err.Error())
	}

	// Set defaults
	if cfg.GetKey == nil {
		cfg.GetKey = ClientIP()
	}
	if cfg.Scope == "" {
		cfg.Scope = "gin"
	}

	return func(c *gongin.Context) {
		key := cfg.GetKey(c)
		if key == "" {
			c.Next()
			return
		}

		allowed, info, err := cfg.Limiter.Allow(c.Request.Context(), ratelimit.ScopedKey(cfg.Scope, key), cfg.Limit)
		if err != nil {
			if cfg.FailOpen {
				c.Next()
				return
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
			}
			c.Abort()
			return
		}

		now := time.Now()
		for k, v := range ratelimit.Headers(info, allowed, now) {
			c.Header(k, v)
		}

		if !allowed {
			if cfg.OnLimitExceeded != nil {
				cfg.OnLimitExceeded(c, info)
			} else {
				c.JSON(http.StatusTooManyRequests, gongin.H{
					"error":       "Rate limit exceeded",
					"retry_after": ratelimit.RetryAfterSeconds(info, now),
				})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// Mount registers the donation API routes on r, delegating to h (normally
// api.Handler.Routes()). Handlers passed in limit run before h on the
// checkout and webhook routes only.
func Mount(r gongin.IRoutes, h http.Handler, limit ...gongin.HandlerFunc) {
	open := gongin.WrapH(h)
	limited := append(append([]gongin.HandlerFunc{}, limit...), open)

	r.POST("/donations/checkout", limited...)
	r.POST("/donations/confirm", open)
	r.POST("/donations/:id/refund", open)
	r.GET("/donations/fees/calculate", open)
	r.POST("/webhooks/stripe", limited...)
	r.GET("/healthz", open)
}

// Convenience extractors

// ClientIP returns a KeyExtractor that uses Gin's client IP resolution,
// which honours the engine's trusted proxy settings
func ClientIP() KeyExtractor {
	return func(c *gongin.Context) string {
		return c.ClientIP()
	}
}

// FromHeader returns a KeyExtractor that gets the key from a header
func FromHeader(headerName string) KeyExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContext returns a KeyExtractor that gets the key from Gin context values,
// for example an account id set by auth middleware via c.Set
func FromContext(key string) KeyExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}
