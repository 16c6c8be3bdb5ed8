package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter implements Limiter with per-process state. Suitable for a
// single instance; use the Redis limiter when several instances share a limit.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucketState
	windows map[string]*slidingWindowState

	now func() time.Time
}

type tokenBucketState struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

type slidingWindowState struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// NewMemoryLimiter creates a new in-memory limiter
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*tokenBucketState),
		windows: make(map[string]*slidingWindowState),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Allow implements Limiter
func (l *MemoryLimiter) Allow(_ context.Context, key string, config Config) (bool, *Info, error) {
	if err := config.Validate(); err != nil {
		return false, nil, err
	}

	now := l.now()
	if config.Algorithm == AlgorithmSlidingWindow {
		allowed, info := l.allowSlidingWindow(key, config, now)
		return allowed, info, nil
	}
	allowed, info := l.allowTokenBucket(key, config, now)
	return allowed, info, nil
}

func (l *MemoryLimiter) allowTokenBucket(key string, config Config, now time.Time) (bool, *Info) {
	capacity := config.Burst
	if capacity <= 0 {
		capacity = config.Rate
	}

	l.mu.Lock()
	bucket, exists := l.buckets[key]
	if !exists {
		bucket = &tokenBucketState{tokens: capacity, lastRefill: now}
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	// Refill tokens based on elapsed time
	if elapsed := now.Sub(bucket.lastRefill); elapsed > 0 {
		tokensToAdd := int(float64(config.Rate) * elapsed.Seconds() / config.Window.Seconds())
		if tokensToAdd > 0 {
			bucket.tokens = min(bucket.tokens+tokensToAdd, capacity)
			bucket.lastRefill = now
		}
	}

	perToken := config.Window / time.Duration(config.Rate)
	if bucket.tokens <= 0 {
		next := bucket.lastRefill.Add(perToken)
		if next.Before(now) {
			next = now.Add(perToken)
		}
		return false, &Info{Remaining: 0, ResetTime: next, Limit: config.Rate}
	}

	bucket.tokens--
	resetTime := now.Add(time.Duration(capacity-bucket.tokens) * perToken)
	return true, &Info{Remaining: bucket.tokens, ResetTime: resetTime, Limit: config.Rate}
}

func (l *MemoryLimiter) allowSlidingWindow(key string, config Config, now time.Time) (bool, *Info) {
	l.mu.Lock()
	window, exists := l.windows[key]
	if !exists {
		window = &slidingWindowState{}
		l.windows[key] = window
	}
	l.mu.Unlock()

	window.mu.Lock()
	defer window.mu.Unlock()

	// Drop timestamps outside the window
	cutoff := now.Add(-config.Window)
	kept := window.timestamps[:0]
	for _, ts := range window.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	window.timestamps = kept

	if len(window.timestamps) >= config.Rate {
		return false, &Info{
			Remaining: 0,
			ResetTime: window.timestamps[0].Add(config.Window),
			Limit:     config.Rate,
		}
	}

	window.timestamps = append(window.timestamps, now)
	return true, &Info{
		Remaining: config.Rate - len(window.timestamps),
		ResetTime: window.timestamps[0].Add(config.Window),
		Limit:     config.Rate,
	}
}
