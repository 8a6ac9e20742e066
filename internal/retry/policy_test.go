package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"elysium-jobs/internal/jobctx"
)

var now = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func TestDelayDeterministicForSeed(t *testing.T) {
	a := New(time.Second, time.Hour, time.Second, 42)
	b := New(time.Second, time.Hour, time.Second, 42)
	for attempt := 1; attempt <= 8; attempt++ {
		assert.Equal(t, a.Delay(attempt), b.Delay(attempt), "attempt %d", attempt)
	}
}

func TestDelayBoundsAndMonotonic(t *testing.T) {
	p := New(time.Second, time.Minute, 5*time.Second, 7)
	prev := time.Duration(0)
	for attempt := 0; attempt <= 80; attempt++ {
		d := p.Delay(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Minute)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		if attempt < 5 {
			assert.GreaterOrEqual(t, d, time.Second<<uint(attempt))
			// Jitter is clamped to Base.
			assert.Less(t, d, time.Second<<uint(attempt)+time.Second)
		}
		prev = d
	}
	assert.Equal(t, time.Minute, p.Delay(30))
}

func TestDelayNeverZero(t *testing.T) {
	p := New(0, 0, 0, 1)
	assert.Equal(t, DefaultMinDelay, p.Delay(3))
}

func TestDecideExhaustion(t *testing.T) {
	p := New(time.Second, time.Minute, 0, 1)
	boom := errors.New("boom")

	d := p.Decide(now, 1, 3, boom, nil)
	assert.Equal(t, Retry, d.Action)
	assert.Equal(t, 2*time.Second, d.Delay)
	assert.Equal(t, now.Add(2*time.Second), d.AvailableAt)
	assert.Equal(t, "boom", d.Reason)

	d = p.Decide(now, 2, 3, boom, nil)
	assert.Equal(t, Retry, d.Action)
	assert.Equal(t, 4*time.Second, d.Delay)

	d = p.Decide(now, 3, 3, boom, nil)
	assert.Equal(t, Dead, d.Action)
	assert.True(t, d.AvailableAt.IsZero())
}

func TestDecideCustomDelayUsedVerbatim(t *testing.T) {
	p := New(time.Second, time.Minute, time.Second, 1)
	custom := func(attempt int, err error) time.Duration {
		return time.Duration(attempt) * 90 * time.Minute
	}

	d := p.Decide(now, 2, 5, errors.New("x"), custom)
	assert.Equal(t, Retry, d.Action)
	assert.Equal(t, 3*time.Hour, d.Delay)

	negative := func(int, error) time.Duration { return -time.Second }
	d = p.Decide(now, 1, 5, errors.New("x"), negative)
	assert.Equal(t, DefaultMinDelay, d.Delay)

	zero := func(int, error) time.Duration { return 0 }
	d = p.Decide(now, 1, 5, errors.New("x"), zero)
	assert.Equal(t, DefaultMinDelay, d.Delay)
}

func TestDecideKeepsSubSecondExplicitDelays(t *testing.T) {
	p := New(time.Second, time.Minute, 0, 1)

	custom := func(int, error) time.Duration { return 200 * time.Millisecond }
	d := p.Decide(now, 1, 5, errors.New("x"), custom)
	assert.Equal(t, Retry, d.Action)
	assert.Equal(t, 200*time.Millisecond, d.Delay)
	assert.Equal(t, now.Add(200*time.Millisecond), d.AvailableAt)

	d = p.Decide(now, 1, 5, jobctx.RetryAfter(50*time.Millisecond, errors.New("busy")), nil)
	assert.Equal(t, 50*time.Millisecond, d.Delay)

	d = p.Decide(now, 1, 5, jobctx.RetryAfter(0, errors.New("busy")), nil)
	assert.Equal(t, DefaultMinDelay, d.Delay)

	// The default backoff is still floored.
	p.Base = 10 * time.Millisecond
	assert.Equal(t, DefaultMinDelay, p.Delay(1))
}

func TestDecideErrorWrappers(t *testing.T) {
	p := New(time.Second, time.Minute, 0, 1)

	d := p.Decide(now, 1, 5, jobctx.NoRetry(errors.New("invalid address")), nil)
	assert.Equal(t, Dead, d.Action)

	d = p.Decide(now, 1, 5, jobctx.RetryAfter(10*time.Minute, errors.New("rate limited")), nil)
	assert.Equal(t, Retry, d.Action)
	assert.Equal(t, 10*time.Minute, d.Delay)

	d = p.Decide(now, 5, 5, jobctx.RetryAfter(time.Minute, errors.New("rate limited")), nil)
	assert.Equal(t, Dead, d.Action)
}

func TestDecideCancellationBypassesBudget(t *testing.T) {
	p := New(time.Second, time.Minute, 0, 1)

	d := p.Decide(now, 1, 5, jobctx.Cancel("not needed"), nil)
	assert.Equal(t, Cancel, d.Action)

	d = p.Decide(now, 9, 5, jobctx.Cancel("not needed"), nil)
	assert.Equal(t, Cancel, d.Action)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "dead", Dead.String())
	assert.Equal(t, "cancel", Cancel.String())
}
