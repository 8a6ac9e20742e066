package broker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

type replyError string

func (e replyError) Error() string { return string(e) }
func (replyError) RedisError() {}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, 0.1, cfg.JitterFraction)
}

func TestIsTransient(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":       {nil, false},
		"redis nil": {redis.Nil, false},
		"closed":    {redis.ErrClosed, false},
		"canceled":  {context.Canceled, false},
		"deadline":  {context.DeadlineExceeded, false},
		"wrongtype": {replyError("WRONGTYPE Operation against a key"), false},
		"loading":   {replyError("LOADING Redis is loading the dataset"), true},
		"readonly":  {replyError("READONLY You can't write against a read only replica"), true},
		"network":   {&net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		"pool":      {errors.New("redis: connection pool timeout"), true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, isTransient(tc.err))
		})
	}
}

func TestRetryWithBackoff_SuccessAfterRetries(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
	var attempts int

	err := retryWithBackoff(context.Background(), cfg, "op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_ExhaustionWrapsTransient(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}
	cause := errors.New("connection reset")
	var attempts int

	err := retryWithBackoff(context.Background(), cfg, "op", func() error {
		attempts++
		return cause
	})

	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_PermanentErrorNotRetried(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}
	var attempts int

	err := retryWithBackoff(context.Background(), cfg, "op", func() error {
		attempts++
		return redis.Nil
	})

	assert.ErrorIs(t, err, redis.Nil)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_RespectsContextCancellation(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffMultiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	var attempts int

	err := retryWithBackoff(ctx, cfg, "op", func() error {
		attempts++
		cancel()
		return errors.New("connection reset")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
