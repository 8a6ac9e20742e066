package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elysium-jobs/internal/queue"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, queue.NewKeyspace("app"), capacity, refill, time.Minute), mr
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 1)
	bucket.now = func() time.Time { return time.UnixMilli(1_000_000) }

	allowed, left, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1.0, left)

	allowed, _, err = bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.False(t, allowed)

	// Other tenants have their own bucket.
	allowed, _, err = bucket.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.True(t, mr.Exists("app:rl:tenant"))
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 2)
	now := time.UnixMilli(5_000_000)
	bucket.now = func() time.Time { return now }

	allowed, _, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	require.False(t, allowed)

	// Two tokens per second: 250ms buys half a token, 500ms a whole one.
	now = now.Add(250 * time.Millisecond)
	allowed, left, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.InDelta(t, 0.5, left, 0.001)

	now = now.Add(250 * time.Millisecond)
	allowed, _, err = bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTokenBucketStateAndExpiry(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 3, 1)
	bucket.now = func() time.Time { return time.UnixMilli(2_000_000) }

	_, left, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.Equal(t, 2.0, left)

	assert.Equal(t, "2.000000", mr.HGet("app:rl:tenant", "tokens"))
	assert.Equal(t, "2000000", mr.HGet("app:rl:tenant", "refilled_at"))
	assert.Equal(t, time.Minute, mr.TTL("app:rl:tenant"))

	mr.FastForward(time.Minute + time.Second)
	assert.False(t, mr.Exists("app:rl:tenant"))
}
