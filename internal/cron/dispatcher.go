// Package cron materializes recurring schedules into queued jobs. Any number of
// dispatchers may run against one broker; a per-tick claim in the broker lets
// exactly one of them enqueue each fire.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"elysium-jobs/internal/models"
	"elysium-jobs/internal/telemetry"
)

// parser accepts standard 5-field expressions and descriptors like "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Parse validates expr and returns its schedule.
func Parse(expr string) (cronlib.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return s, nil
}

// Store is where schedules live and where tick claims are taken.
type Store interface {
	ListSchedules(ctx context.Context) ([]*models.Schedule, error)
	ClaimTick(ctx context.Context, scheduleID string, tick time.Time, owner string, ttl time.Duration) (bool, error)
}

// EnqueueFunc turns one fire of a schedule into a queued job and returns its ID.
type EnqueueFunc func(ctx context.Context, s *models.Schedule, fireAt time.Time) (string, error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTick sets how often schedules are evaluated. Values under a second are raised to one.
func WithTick(d time.Duration) Option {
	return func(x *Dispatcher) { x.tick = d }
}

// WithClaimTTL sets how long a tick claim is kept.
func WithClaimTTL(d time.Duration) Option {
	return func(x *Dispatcher) { x.claimTTL = d }
}

// WithMaxCatchUp bounds how many missed fires of one schedule are enqueued in a
// single evaluation. Older fires beyond the bound are skipped.
func WithMaxCatchUp(n int) Option {
	return func(x *Dispatcher) { x.maxCatchUp = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(x *Dispatcher) { x.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(x *Dispatcher) { x.logger = l }
}

// Dispatcher evaluates schedules on a fixed tick.
type Dispatcher struct {
	store      Store
	enqueue    EnqueueFunc
	owner      string
	logger     *zap.Logger
	now        func() time.Time
	tick       time.Duration
	claimTTL   time.Duration
	maxCatchUp int

	mu     sync.Mutex
	cursor time.Time
	parsed map[string]cronlib.Schedule
}

// NewDispatcher builds a dispatcher identified by owner in tick claims.
func NewDispatcher(store Store, enqueue EnqueueFunc, owner string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		enqueue:    enqueue,
		owner:      owner,
		logger:     zap.NewNop(),
		now:        time.Now,
		tick:       time.Second,
		claimTTL:   24 * time.Hour,
		maxCatchUp: 10,
		parsed:     make(map[string]cronlib.Schedule),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tick < time.Second {
		d.tick = time.Second
	}
	if d.maxCatchUp < 1 {
		d.maxCatchUp = 1
	}
	return d
}

// Run evaluates schedules every tick until ctx is cancelled. Fires due before
// Run was called are not replayed.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.cursor.IsZero() {
		d.cursor = d.now().UTC().Truncate(time.Second)
	}
	d.mu.Unlock()

	d.logger.Info("cron dispatcher started", zap.String("owner", d.owner), zap.Duration("tick", d.tick))
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("cron dispatcher stopped")
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick evaluates every enabled schedule once, firing what fell due since the
// previous evaluation, and returns how many jobs this dispatcher enqueued.
func (d *Dispatcher) Tick(ctx context.Context) int {
	now := d.now().UTC().Truncate(time.Second)

	d.mu.Lock()
	from := d.cursor
	if from.IsZero() {
		from = now.Add(-d.tick)
	}
	d.mu.Unlock()
	if !now.After(from) {
		return 0
	}

	schedules, err := d.store.ListSchedules(ctx)
	if err != nil {
		d.logger.Error("list schedules failed", zap.Error(err))
		return 0
	}

	fired := 0
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		fired += d.evaluate(ctx, s, from, now)
	}

	d.mu.Lock()
	d.cursor = now
	d.mu.Unlock()
	return fired
}

// evaluate fires s for each due time in (from, now].
func (d *Dispatcher) evaluate(ctx context.Context, s *models.Schedule, from, now time.Time) int {
	sched, err := d.schedule(s.Expr)
	if err != nil {
		d.logger.Warn("skipping schedule with invalid expression", zap.String("schedule_id", s.ID), zap.Error(err))
		return 0
	}
	if created := s.CreatedAt.UTC().Truncate(time.Second); from.Before(created) {
		from = created
	}

	var due []time.Time
	for t := sched.Next(from); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		due = append(due, t)
	}
	if len(due) > d.maxCatchUp {
		d.logger.Warn("skipping missed fires beyond catch-up bound",
			zap.String("schedule_id", s.ID), zap.Int("missed", len(due)-d.maxCatchUp))
		due = due[len(due)-d.maxCatchUp:]
	}

	fired := 0
	for _, at := range due {
		won, err := d.store.ClaimTick(ctx, s.ID, at, d.owner, d.claimTTL)
		if err != nil {
			d.logger.Error("claim tick failed", zap.String("schedule_id", s.ID), zap.Time("fire_at", at), zap.Error(err))
			continue
		}
		if !won {
			continue
		}
		id, err := d.enqueue(ctx, s, at)
		if err != nil {
			d.logger.Error("scheduled enqueue failed",
				zap.String("schedule_id", s.ID), zap.String("job_type", s.JobType), zap.Time("fire_at", at), zap.Error(err))
			continue
		}
		fired++
		telemetry.CronFired.WithLabelValues(s.ID).Inc()
		d.logger.Info("schedule fired",
			zap.String("schedule_id", s.ID),
			zap.String("name", s.Name),
			zap.String("job_type", s.JobType),
			zap.String("job_id", id),
			zap.Time("fire_at", at))
	}
	return fired
}

func (d *Dispatcher) schedule(expr string) (cronlib.Schedule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.parsed[expr]; ok {
		return s, nil
	}
	s, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	d.parsed[expr] = s
	return s, nil
}
