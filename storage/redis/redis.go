// Package redis provides a Redis implementation of donation.IdempotencyStore and a
// distributed ratelimit.Limiter.
// Idempotency keys are written with SET NX so the first writer wins across instances;
// rate limits run as Lua scripts for atomicity.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/godonate/pkg/donation"
	"github.com/mihaimyh/godonate/pkg/ratelimit"
)

// Storage implements donation.IdempotencyStore and ratelimit.Limiter using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
	now     func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "godonate:")
	KeyPrefix string

	// IdempotencyTTL is how long idempotency records are kept (default: 24h)
	IdempotencyTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "godonate:",
		IdempotencyTTL: 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = DefaultConfig().IdempotencyTTL
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the rate limit scripts. Times are in milliseconds.
func (s *Storage) loadScripts() {
	s.scripts[ratelimit.AlgorithmTokenBucket] = redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local rate = tonumber(ARGV[2])
		local window = tonumber(ARGV[3])
		local burst = tonumber(ARGV[4])
		local ttl = tonumber(ARGV[5])

		local data = redis.call('HMGET', key, 'tokens', 'lastRefill')
		local tokens = burst
		local lastRefill = now
		if data[1] and data[2] then
			tokens = tonumber(data[1]) or burst
			lastRefill = tonumber(data[2]) or now
		end

		local elapsed = now - lastRefill
		if elapsed > 0 then
			local tokensToAdd = math.floor(rate * elapsed / window)
			if tokensToAdd > 0 then
				tokens = math.min(tokens + tokensToAdd, burst)
				lastRefill = now
			end
		end

		local perToken = math.ceil(window / rate)
		local allowed = 1
		local remaining = 0
		local resetTime = now + window
		if tokens <= 0 then
			allowed = 0
			resetTime = lastRefill + perToken
			if resetTime < now then
				resetTime = now + perToken
			end
		else
			tokens = tokens - 1
			remaining = tokens
			resetTime = now + (burst - tokens) * perToken
		end

		redis.call('HSET', key, 'tokens', tokens, 'lastRefill', lastRefill)
		redis.call('PEXPIRE', key, ttl)

		return {allowed, remaining, resetTime}
	`)

	s.scripts[ratelimit.AlgorithmSlidingWindow] = redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local limit = tonumber(ARGV[2])
		local window = tonumber(ARGV[3])
		local ttl = tonumber(ARGV[4])
		local member = ARGV[5]

		redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
		local count = redis.call('ZCARD', key)

		local allowed = 1
		local remaining = 0
		if count >= limit then
			allowed = 0
		else
			redis.call('ZADD', key, now, member)
			remaining = limit - count - 1
		end

		local resetTime = now + window
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		if oldest and #oldest >= 2 then
			resetTime = tonumber(oldest[2]) + window
		end

		redis.call('PEXPIRE', key, ttl)
		return {allowed, remaining, resetTime}
	`)
}

// GetIdempotencyRecord implements donation.IdempotencyStore
func (s *Storage) GetIdempotencyRecord(ctx context.Context, key string) (*donation.IdempotencyRecord, error) {
	if key == "" {
		return nil, nil
	}

	data, err := s.client.Get(ctx, s.idempotencyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	var rec donation.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency record: %w", err)
	}
	return &rec, nil
}

// SaveIdempotencyRecord implements donation.IdempotencyStore
func (s *Storage) SaveIdempotencyRecord(ctx context.Context, rec *donation.IdempotencyRecord) (bool, error) {
	if rec == nil || rec.Key == "" {
		return false, fmt.Errorf("%w: idempotency key is required", donation.ErrInvalidRequest)
	}

	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return false, fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.idempotencyKey(rec.Key), data, s.config.IdempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to save idempotency record: %w", err)
	}
	return ok, nil
}

// Allow implements ratelimit.Limiter
func (s *Storage) Allow(ctx context.Context, key string, config ratelimit.Config) (bool, *ratelimit.Info, error) {
	if err := config.Validate(); err != nil {
		return false, nil, err
	}

	nowMs := s.now().UnixMilli()
	windowMs := config.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	ttlMs := windowMs * 2
	redisKey := s.rateLimitKey(config.Algorithm, key)

	var result interface{}
	var err error
	switch config.Algorithm {
	case ratelimit.AlgorithmTokenBucket:
		burst := config.Burst
		if burst <= 0 {
			burst = config.Rate
		}
		result, err = s.scripts[ratelimit.AlgorithmTokenBucket].Run(ctx, s.client, []string{redisKey},
			nowMs, config.Rate, windowMs, burst, ttlMs).Result()
	default:
		result, err = s.scripts[ratelimit.AlgorithmSlidingWindow].Run(ctx, s.client, []string{redisKey},
			nowMs, config.Rate, windowMs, ttlMs, uuid.NewString()).Result()
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to execute rate limit script: %w", err)
	}

	return parseRateLimitResult(result, config.Rate)
}

// parseRateLimitResult decodes the {allowed, remaining, resetTimeMs} reply
func parseRateLimitResult(result interface{}, limit int) (bool, *ratelimit.Info, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, nil, fmt.Errorf("unexpected result from rate limit script: %v", result)
	}

	ints := make([]int64, 3)
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return false, nil, fmt.Errorf("unexpected value type %T in rate limit result", v)
		}
		ints[i] = n
	}

	return ints[0] == 1, &ratelimit.Info{
		Remaining: int(ints[1]),
		ResetTime: time.UnixMilli(ints[2]).UTC(),
		Limit:     limit,
	}, nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) idempotencyKey(key string) string {
	return s.config.KeyPrefix + "idem:" + key
}

func (s *Storage) rateLimitKey(algorithm, key string) string {
	return s.config.KeyPrefix + "rl:" + algorithm + ":" + key
}
