package ratelimit

import (
	"math"
	"strconv"
	"time"
)

// Response header names set by the HTTP adapters.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Headers renders info as rate limit response headers. Retry-After is only
// included for rejected requests.
func Headers(info *Info, allowed bool, now time.Time) map[string]string {
	if info == nil {
		return nil
	}
	h := map[string]string{
		HeaderLimit:     strconv.Itoa(info.Limit),
		HeaderRemaining: strconv.Itoa(info.Remaining),
		HeaderReset:     strconv.FormatInt(info.ResetTime.Unix(), 10),
	}
	if !allowed {
		h[HeaderRetryAfter] = strconv.Itoa(RetryAfterSeconds(info, now))
	}
	return h
}

// RetryAfterSeconds returns the whole seconds until info resets, at least 1.
func RetryAfterSeconds(info *Info, now time.Time) int {
	if info == nil {
		return 1
	}
	secs := int(math.Ceil(info.ResetTime.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ScopedKey namespaces a caller key so independent limits never share state.
func ScopedKey(scope, key string) string {
	if scope == "" {
		return key
	}
	return scope + ":" + key
}
