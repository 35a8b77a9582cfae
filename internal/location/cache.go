package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CachePrefix is the Redis key prefix for cached lookup results.
	CachePrefix = "geo:"

	// DefaultCacheTTL bounds how long a resolved profile is reused.
	DefaultCacheTTL = 24 * time.Hour
)

// Cache stores resolved profiles in Redis. Every failure is logged and
// treated as a miss so that a Redis outage only costs extra API calls.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a Cache backed by the given Redis client.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached profile for key, if any.
func (c *Cache) Get(ctx context.Context, key string) (Profile, bool) {
	data, err := c.client.Get(ctx, CachePrefix+key).Bytes()
	if err == redis.Nil {
		return Profile{}, false
	}
	if err != nil {
		log.Printf("[geo] cache GET error key=%s: %v (treating as miss)", key, err)
		return Profile{}, false
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("[geo] cache decode error key=%s: %v", key, err)
		return Profile{}, false
	}
	return p, true
}

// Set stores p under key with the cache TTL.
func (c *Cache) Set(ctx context.Context, key string, p Profile) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, CachePrefix+key, data, c.ttl).Err(); err != nil {
		log.Printf("[geo] cache SET error key=%s: %v", key, err)
	}
}

// CachedLookup memoizes successful results of an inner Lookup. Failures are
// never cached so a transient API error does not pin a session to the
// unresolvable profile.
type CachedLookup struct {
	inner Lookup
	cache *Cache
	key   func(Query) (string, bool)
}

// NewCachedLookup wraps inner with cache using key to derive cache keys. A
// query for which key returns false bypasses the cache.
func NewCachedLookup(inner Lookup, cache *Cache, key func(Query) (string, bool)) *CachedLookup {
	return &CachedLookup{inner: inner, cache: cache, key: key}
}

// Lookup implements Lookup.
func (l *CachedLookup) Lookup(ctx context.Context, q Query) (Profile, error) {
	key, ok := l.key(q)
	if !ok || l.cache == nil {
		return l.inner.Lookup(ctx, q)
	}

	if p, hit := l.cache.Get(ctx, key); hit {
		return p, nil
	}

	p, err := l.inner.Lookup(ctx, q)
	if err != nil {
		return Profile{}, err
	}
	l.cache.Set(ctx, key, p)
	return p, nil
}

// CoordinateKey buckets coordinates to two decimal places (about a kilometre)
// so that nearby clients share a cache entry.
func CoordinateKey(q Query) (string, bool) {
	if q.Coords == nil || !q.Coords.Valid() {
		return "", false
	}
	return fmt.Sprintf("rev:%.2f:%.2f", q.Coords.Latitude, q.Coords.Longitude), true
}

// IPKey keys IP lookups by the client address.
func IPKey(q Query) (string, bool) {
	if q.IP == "" {
		return "", false
	}
	return "ip:" + q.IP, true
}
