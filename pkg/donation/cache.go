package donation

import (
	"context"
	"sync"
	"time"
)

// CacheConfig configures the campaign directory cache.
type CacheConfig struct {
	// TTL for cached campaigns and participants (default: 30 seconds)
	TTL time.Duration

	// MaxEntries per kind (default: 1000)
	MaxEntries int
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// CachedDirectory wraps a CampaignDirectory with an in-memory LRU cache.
// Misses and lookup errors are never cached.
type CachedDirectory struct {
	next    CampaignDirectory
	ttl     time.Duration
	metrics Metrics

	campaigns    *lruCache
	participants *lruCache
}

// NewCachedDirectory creates a caching decorator. metrics may be nil.
func NewCachedDirectory(next CampaignDirectory, config CacheConfig, metrics Metrics) *CachedDirectory {
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CachedDirectory{
		next:         next,
		ttl:          config.TTL,
		metrics:      metrics,
		campaigns:    newLRUCache(config.MaxEntries),
		participants: newLRUCache(config.MaxEntries),
	}
}

func (c *CachedDirectory) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	if v, ok := c.campaigns.get(id); ok {
		c.metrics.RecordCacheHit("campaign")
		cp := *(v.(*Campaign))
		return &cp, nil
	}
	c.metrics.RecordCacheMiss("campaign")

	campaign, err := c.next.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *campaign
	c.campaigns.set(id, &cp, c.ttl)
	return campaign, nil
}

func (c *CachedDirectory) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	if v, ok := c.participants.get(id); ok {
		c.metrics.RecordCacheHit("participant")
		cp := *(v.(*Participant))
		return &cp, nil
	}
	c.metrics.RecordCacheMiss("participant")

	participant, err := c.next.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *participant
	c.participants.set(id, &cp, c.ttl)
	return participant, nil
}

// Invalidate drops any cached campaign or participant with id.
func (c *CachedDirectory) Invalidate(id string) {
	c.campaigns.delete(id)
	c.participants.delete(id)
}

// Stats returns combined cache statistics.
func (c *CachedDirectory) Stats() CacheStats {
	a, b := c.campaigns.stats(), c.participants.stats()
	return CacheStats{
		Hits:      a.Hits + b.Hits,
		Misses:    a.Misses + b.Misses,
		Evictions: a.Evictions + b.Evictions,
		Size:      a.Size + b.Size,
	}
}

// cacheEntry wraps a cached value with expiration time and access time for LRU
type cacheEntry struct {
	value      interface{}
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

func (e *cacheEntry) isExpired() bool {
	return time.Now().After(e.expiration)
}

type lruCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	sequence   int64
	hits       int64
	misses     int64
	evictions  int64
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
	}
}

func (c *lruCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || entry.isExpired() {
		c.misses++
		return nil, false
	}
	entry.accessTime = time.Now()
	c.hits++
	return entry.value, true
}

func (c *lruCache) set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldest *cacheEntry
		for k, e := range c.entries {
			if oldest == nil || e.accessTime.Before(oldest.accessTime) ||
				(e.accessTime.Equal(oldest.accessTime) && e.sequence < oldest.sequence) {
				oldestKey, oldest = k, e
			}
		}
		if oldest != nil {
			delete(c.entries, oldestKey)
			c.evictions++
		}
	}

	c.sequence++
	c.entries[key] = &cacheEntry{
		value:      value,
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   c.sequence,
	}
}

func (c *lruCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *lruCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: len(c.entries)}
}
