package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/godonate/pkg/donation"
	"github.com/mihaimyh/godonate/pkg/ratelimit"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		client  redis.UniversalClient
		config  Config
		wantErr bool
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:    "valid client with default config",
			client:  redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "empty config uses defaults",
			client:  redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:  Config{},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := New(tt.client, tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if storage.config.KeyPrefix == "" {
				t.Error("KeyPrefix should not be empty")
			}
			if storage.config.IdempotencyTTL == 0 {
				t.Error("IdempotencyTTL should not be zero")
			}
		})
	}
}

func TestStorage_KeyGeneration(t *testing.T) {
	storage, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{KeyPrefix: "test:"})
	require.NoError(t, err)

	assert.Equal(t, "test:idem:checkout:k1", storage.idempotencyKey("checkout:k1"))
	assert.Equal(t, "test:rl:token_bucket:1.2.3.4", storage.rateLimitKey(ratelimit.AlgorithmTokenBucket, "1.2.3.4"))
}

func TestParseRateLimitResult(t *testing.T) {
	allowed, info, err := parseRateLimitResult([]interface{}{int64(1), int64(4), int64(1700000000000)}, 5)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 4, info.Remaining)
	assert.Equal(t, 5, info.Limit)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), info.ResetTime)

	_, _, err = parseRateLimitResult([]interface{}{int64(1)}, 5)
	assert.Error(t, err)

	_, _, err = parseRateLimitResult([]interface{}{"1", int64(0), int64(0)}, 5)
	assert.Error(t, err)
}

func TestStorage_IdempotencyRecord(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)

	rec, err := storage.GetIdempotencyRecord(ctx, "checkout:k1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	saved, err := storage.SaveIdempotencyRecord(ctx, &donation.IdempotencyRecord{
		Key: "checkout:k1", Fingerprint: "fp", DonationID: "d1", IntentID: "pi_1",
	})
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = storage.SaveIdempotencyRecord(ctx, &donation.IdempotencyRecord{Key: "checkout:k1", Fingerprint: "other"})
	require.NoError(t, err)
	assert.False(t, saved, "first writer wins")

	rec, err = storage.GetIdempotencyRecord(ctx, "checkout:k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "fp", rec.Fingerprint)
	assert.Equal(t, "pi_1", rec.IntentID)
	assert.False(t, rec.CreatedAt.IsZero())

	ttl, err := client.TTL(ctx, storage.idempotencyKey("checkout:k1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = storage.SaveIdempotencyRecord(ctx, &donation.IdempotencyRecord{})
	assert.ErrorIs(t, err, donation.ErrInvalidRequest)
}

func TestStorage_IdempotencyRecord_ConcurrentSave(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := storage.SaveIdempotencyRecord(ctx, &donation.IdempotencyRecord{Key: "refund:race", Fingerprint: "fp"})
			if err != nil {
				t.Errorf("SaveIdempotencyRecord failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestStorage_Allow_TokenBucket(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)
	config := ratelimit.Config{Algorithm: ratelimit.AlgorithmTokenBucket, Rate: 5, Window: time.Minute}

	for i := 0; i < 5; i++ {
		allowed, info, err := storage.Allow(ctx, "1.2.3.4", config)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i)
		assert.Equal(t, 4-i, info.Remaining)
	}

	allowed, info, err := storage.Allow(ctx, "1.2.3.4", config)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.False(t, info.ResetTime.IsZero())

	allowed, _, err = storage.Allow(ctx, "5.6.7.8", config)
	require.NoError(t, err)
	assert.True(t, allowed, "other keys are unaffected")
}

func TestStorage_Allow_SlidingWindow(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)
	config := ratelimit.Config{Algorithm: ratelimit.AlgorithmSlidingWindow, Rate: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		allowed, _, err := storage.Allow(ctx, "ip", config)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, info, err := storage.Allow(ctx, "ip", config)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
}

func TestStorage_Allow_InvalidConfig(t *testing.T) {
	storage, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), DefaultConfig())
	require.NoError(t, err)

	_, _, err = storage.Allow(context.Background(), "ip", ratelimit.Config{Algorithm: "leaky", Rate: 1, Window: time.Second})
	assert.ErrorIs(t, err, ratelimit.ErrUnknownAlgorithm)
}

func TestStorage_Ping(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, storage.Ping(context.Background()))
}
