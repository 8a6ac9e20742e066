package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fires struct {
	mu  sync.Mutex
	got []time.Time
	err error
}

func (f *fires) enqueue(_ context.Context, s *models.Schedule, at time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.got = append(f.got, at)
	return s.ID + "@" + at.Format(time.RFC3339), nil
}

func (f *fires) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.got...)
}

var start = time.Date(2026, 5, 4, 10, 0, 30, 0, time.UTC)

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return broker.New(rdb, broker.WithRetry(broker.RetryConfig{MaxAttempts: 1}))
}

func save(t *testing.T, b *broker.Broker, id, expr string, enabled bool) {
	t.Helper()
	require.NoError(t, b.SaveSchedule(context.Background(), &models.Schedule{
		ID:        id,
		Name:      id,
		JobType:   "Digest",
		Expr:      expr,
		Enabled:   enabled,
		CreatedAt: start.Add(-time.Hour),
	}))
}

func TestParse(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 3 * * 1-5", "@hourly", "@every 30s"} {
		_, err := Parse(expr)
		assert.NoError(t, err, expr)
	}
	for _, expr := range []string{"", "* * *", "61 * * * *", "@fortnightly"} {
		_, err := Parse(expr)
		assert.Error(t, err, expr)
	}
}

func TestTickFiresDueSchedules(t *testing.T) {
	b := newBroker(t)
	save(t, b, "minutely", "* * * * *", true)
	save(t, b, "off", "* * * * *", false)

	c := &clock{now: start}
	f := &fires{}
	d := NewDispatcher(b, f.enqueue, "w1", WithClock(c.Now))

	assert.Equal(t, 0, d.Tick(context.Background()))

	c.Set(start.Add(30 * time.Second))
	assert.Equal(t, 1, d.Tick(context.Background()))
	assert.Equal(t, []time.Time{time.Date(2026, 5, 4, 10, 1, 0, 0, time.UTC)}, f.times())

	// Nothing new is due until the next minute.
	c.Set(start.Add(45 * time.Second))
	assert.Equal(t, 0, d.Tick(context.Background()))
}

func TestConcurrentDispatchersFireOnce(t *testing.T) {
	b := newBroker(t)
	save(t, b, "every10", "@every 10s", true)

	c := &clock{now: start}
	f := &fires{}
	dispatchers := make([]*Dispatcher, 4)
	for i := range dispatchers {
		dispatchers[i] = NewDispatcher(b, f.enqueue, "w"+string(rune('a'+i)), WithClock(c.Now))
		dispatchers[i].Tick(context.Background())
	}

	c.Set(start.Add(10 * time.Second))
	var wg sync.WaitGroup
	for _, d := range dispatchers {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			d.Tick(context.Background())
		}(d)
	}
	wg.Wait()
	assert.Len(t, f.times(), 1)
}

func TestCatchUpIsBounded(t *testing.T) {
	b := newBroker(t)
	save(t, b, "minutely", "* * * * *", true)

	c := &clock{now: start}
	f := &fires{}
	d := NewDispatcher(b, f.enqueue, "w1", WithClock(c.Now), WithMaxCatchUp(3))
	d.Tick(context.Background())

	// The process stalls for ten minutes.
	c.Set(start.Add(10 * time.Minute))
	assert.Equal(t, 3, d.Tick(context.Background()))

	got := f.times()
	require.Len(t, got, 3)
	assert.Equal(t, time.Date(2026, 5, 4, 10, 10, 0, 0, time.UTC), got[2])
	assert.Equal(t, time.Date(2026, 5, 4, 10, 8, 0, 0, time.UTC), got[0])
}

func TestScheduleDoesNotFireBeforeCreation(t *testing.T) {
	b := newBroker(t)
	require.NoError(t, b.SaveSchedule(context.Background(), &models.Schedule{
		ID:        "fresh",
		JobType:   "Digest",
		Expr:      "* * * * *",
		Enabled:   true,
		CreatedAt: start.Add(4 * time.Minute),
	}))

	c := &clock{now: start}
	f := &fires{}
	d := NewDispatcher(b, f.enqueue, "w1", WithClock(c.Now), WithMaxCatchUp(100))
	d.Tick(context.Background())

	c.Set(start.Add(6 * time.Minute))
	d.Tick(context.Background())
	assert.Equal(t, []time.Time{
		time.Date(2026, 5, 4, 10, 5, 0, 0, time.UTC),
		time.Date(2026, 5, 4, 10, 6, 0, 0, time.UTC),
	}, f.times())
}

func TestInvalidExpressionIsSkipped(t *testing.T) {
	b := newBroker(t)
	save(t, b, "broken", "every tuesday", true)
	save(t, b, "ok", "* * * * *", true)

	c := &clock{now: start}
	f := &fires{}
	d := NewDispatcher(b, f.enqueue, "w1", WithClock(c.Now))
	d.Tick(context.Background())
	c.Set(start.Add(time.Minute))
	assert.Equal(t, 1, d.Tick(context.Background()))
}

func TestFailedEnqueueKeepsClaim(t *testing.T) {
	b := newBroker(t)
	save(t, b, "minutely", "* * * * *", true)

	c := &clock{now: start}
	f := &fires{err: errors.New("broker down")}
	d := NewDispatcher(b, f.enqueue, "w1", WithClock(c.Now))
	d.Tick(context.Background())
	c.Set(start.Add(time.Minute))
	assert.Equal(t, 0, d.Tick(context.Background()))

	won, err := b.ClaimTick(context.Background(), "minutely", time.Date(2026, 5, 4, 10, 1, 0, 0, time.UTC), "w2", time.Hour)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestRunStopsWithContext(t *testing.T) {
	b := newBroker(t)
	d := NewDispatcher(b, (&fires{}).enqueue, "w1", WithTick(10*time.Millisecond))
	assert.Equal(t, time.Second, d.tick)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
