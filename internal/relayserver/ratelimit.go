package relayserver

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a throttling policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RulePublish allows 30 events per 10 seconds per public key.
	RulePublish = Rule{Key: "rl:pub:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 10 connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: time.Minute}
)

// Limiter performs INCR + EXPIRE window rate limiting against Redis. A nil
// Limiter allows everything, so the relay runs without Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow reports whether the identifier is within the rule's limit. It
// increments the counter and sets the window expiry on first access. On
// Redis errors it fails open so an outage does not block traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) bool {
	if l == nil || l.client == nil {
		return true
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[relayserver] rate limit INCR key=%s: %v (failing open)", key, err)
		return true
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[relayserver] rate limit EXPIRE key=%s: %v (failing open)", key, err)
			// The key has no TTL and would block the identifier forever.
			l.client.Del(ctx, key)
			return true
		}
	}

	return int(count) <= rule.Limit
}
