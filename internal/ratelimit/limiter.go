// Package ratelimit throttles per-connection and per-IP actions using Redis
// INCR with a window expiry. Checks fail open: a Redis outage must never
// lock legitimate users out of the service.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy: a key prefix, the allowed count, and the
// window in which that count applies.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage caps chat sends per connection.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleFind caps matchmaking requests per connection.
	RuleFind = Rule{Key: "rl:find:", Limit: 10, Window: time.Minute}

	// RuleConnect caps websocket upgrades per client IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: time.Minute}
)

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the counter for the identifier and reports whether it is
// still inside the rule's budget. The window starts at the first increment.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) bool {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] INCR %s: %v (failing open)", key, err)
		return true
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] EXPIRE %s: %v (failing open)", key, err)
			// Without a TTL the counter would throttle forever; drop it.
			l.client.Del(ctx, key)
			return true
		}
	}

	return int(count) <= rule.Limit
}

// Reset clears the identifier's counter for a rule, used when a connection
// goes away and its budget should not linger.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) {
	if err := l.client.Del(ctx, rule.Key+identifier).Err(); err != nil {
		log.Printf("[ratelimit] DEL %s%s: %v", rule.Key, identifier, err)
	}
}
