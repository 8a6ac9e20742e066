// Package ratelimit throttles producers with a token bucket shared through Redis,
// so every API replica draws from the same per-tenant budget.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"elysium-jobs/internal/queue"
)

//go:embed scripts/take.lua
var takeSource string

var takeScript = redis.NewScript(takeSource)

// TokenBucket is a per-key token bucket stored in a Redis hash.
type TokenBucket struct {
	rdb      redis.UniversalClient
	keys     queue.Keyspace
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a bucket holding up to capacity tokens that refills at
// refillPerSecond. Idle buckets expire after ttl.
func NewTokenBucket(rdb redis.UniversalClient, keys queue.Keyspace, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		rdb:      rdb,
		keys:     keys,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes one token from key's bucket. It reports whether a token was taken
// and how many are left.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	args := []interface{}{
		strconv.Itoa(b.capacity),
		strconv.FormatFloat(b.refill, 'f', -1, 64),
		strconv.FormatInt(b.now().UnixMilli(), 10),
		strconv.FormatInt(b.ttl.Milliseconds(), 10),
	}
	res, err := takeScript.Run(ctx, b.rdb, []string{b.keys.RateLimit(key)}, args...).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit %s: %w", key, err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, 0, fmt.Errorf("ratelimit %s: unexpected reply %T", key, res)
	}
	taken, _ := reply[0].(int64)
	raw, _ := reply[1].(string)
	left, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit %s: tokens %q: %w", key, raw, err)
	}
	return taken == 1, left, nil
}
