// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Each client action (chat message, location update,
// next request) is throttled per connection.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:chat:", "rl:loc:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleChat allows 5 chat messages per 10 seconds per connection.
	RuleChat = Rule{Key: "rl:chat:", Limit: 5, Window: 10 * time.Second}

	// RuleLocation allows 6 location updates per minute per connection. Each
	// update may cost two external lookups.
	RuleLocation = Rule{Key: "rl:loc:", Limit: 6, Window: 1 * time.Minute}

	// RuleNext allows 20 next requests per minute per connection.
	RuleNext = Rule{Key: "rl:next:", Limit: 20, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis. A Limiter with a nil
// client allows everything, which is how rate limiting is disabled.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL and would persist. Best effort:
			// delete it so it doesn't block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// RetryAfter returns how long until the identifier's current window for rule
// resets, rounded up to whole seconds and never less than one second.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	fallback := rule.Window
	if l == nil || l.client == nil {
		return fallback
	}

	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return fallback
	}
	secs := (ttl + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

// Reset clears every rule's counter for identifier. It is called when a
// connection goes away so its counters do not linger until expiry.
func (l *Limiter) Reset(ctx context.Context, identifier string, rules ...Rule) error {
	if l == nil || l.client == nil || len(rules) == 0 {
		return nil
	}
	keys := make([]string, len(rules))
	for i, r := range rules {
		keys[i] = r.Key + identifier
	}
	return l.client.Del(ctx, keys...).Err()
}
