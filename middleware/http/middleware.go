// Package http provides net/http middleware for the donation API: per-caller
// rate limiting and security headers.
package http

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/godonate/pkg/ratelimit"
)

// KeyExtractor extracts the rate limit key from an HTTP request.
// Return empty string to skip limiting for the request.
type KeyExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Limiter decides whether a request may proceed (required)
	Limiter ratelimit.Limiter

	// Limit is the rate applied per key (required)
	Limit ratelimit.Config

	// GetKey extracts the caller key from the request
	// Default: RemoteIP()
	GetKey KeyExtractor

	// Scope namespaces keys so routes can carry independent limits
	// Default: "http"
	Scope string

	// FailOpen lets requests through when the limiter itself errors.
	// Default: false (limiter errors answer 503)
	FailOpen bool

	// OnLimitExceeded is called when the limit is exceeded
	// If nil, returns 429 JSON with rate limit headers
	OnLimitExceeded func(w http.ResponseWriter, r *http.Request, info *ratelimit.Info)

	// OnError is called when the limiter fails and FailOpen is false
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	now func() time.Time
}

// RateLimit creates an HTTP middleware that throttles requests per key
func RateLimit(config Config) func(http.Handler) http.Handler {
	// Validate required configuration at startup (fail fast)
	if config.Limiter == nil {
		panic("godonate/http: Config.Limiter is required")
	}
	if err := config.Limit.Validate(); err != nil {
		panic("godonate/http: invalid Config.Limit: " + err.Error())
	}

	if config.GetKey == nil {
		config.GetKey = RemoteIP()
	}
	if config.Scope == "" {
		config.Scope = "http"
	}
	if config.now == nil {
		config.now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := config.GetKey(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, info, err := config.Limiter.Allow(r.Context(), ratelimit.ScopedKey(config.Scope, key), config.Limit)
			if err != nil {
				if config.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				}
				return
			}

			for k, v := range ratelimit.Headers(info, allowed, config.now()) {
				w.Header().Set(k, v)
			}

			if !allowed {
				if config.OnLimitExceeded != nil {
					config.OnLimitExceeded(w, r, info)
				} else {
					defaultLimitExceeded(w, info, config.now())
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates a rate limit middleware (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RateLimit(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func defaultLimitExceeded(w http.ResponseWriter, info *ratelimit.Info, now time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":       "Rate limit exceeded",
		"retry_after": ratelimit.RetryAfterSeconds(info, now),
	})
}

// SecurityHeaders sets conservative response headers for a JSON API
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Common extractors for convenience

// RemoteIP returns a KeyExtractor that uses the connection's remote address
func RemoteIP() KeyExtractor {
	return func(r *http.Request) string {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// ForwardedFor returns a KeyExtractor that uses the first address in
// X-Forwarded-For, falling back to the remote address. Only use it behind a
// proxy that overwrites the header.
func ForwardedFor() KeyExtractor {
	remote := RemoteIP()
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
			if first != "" {
				return first
			}
		}
		return remote(r)
	}
}

// FromHeader returns a KeyExtractor that gets the key from a header
func FromHeader(headerName string) KeyExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
