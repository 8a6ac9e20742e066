// Package worker runs jobs: a pool of bounded execution slots that reserves work
// from the broker, executes it under a deadline and records the outcome, plus the
// periodic maintenance (lease renewal, reclamation, promotion, pruning) a
// cluster of pools relies on.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/config"
	"elysium-jobs/internal/events"
	"elysium-jobs/internal/jobs"
	"elysium-jobs/internal/lifecycle"
	"elysium-jobs/internal/models"
	"elysium-jobs/internal/queue"
)

// Broker is the part of the broker the pool drives directly. Completion writes go
// through the lifecycle machine.
type Broker interface {
	ReserveNext(ctx context.Context, queues []string, lease time.Duration, skipTypes ...string) (*models.Job, error)
	ExtendLease(ctx context.Context, j *models.Job, lease time.Duration) error
	Unreserve(ctx context.Context, j *models.Job) error
	PromoteDelayed(ctx context.Context, queueName string, limit int) (int, error)
	ReclaimExpired(ctx context.Context, queueName string, limit int) ([]broker.Reclaimed, error)
	PruneTerminal(ctx context.Context, queueName string, cutoff time.Time, limit int) (int, error)
	Depth(ctx context.Context, queueName string) (broker.Depth, error)
	Ping(ctx context.Context) error
}

// Options configure a Pool.
type Options struct {
	Queues      []queue.Config
	Concurrency int
	// Lease is the visibility timeout granted on reservation and on each renewal.
	Lease           time.Duration
	RenewInterval   time.Duration
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	PromoteInterval time.Duration
	BatchSize       int
	// Retention prunes succeeded and cancelled jobs older than this. Zero keeps them.
	Retention time.Duration
	// RecheckInterval paces broker rechecks while the pool is degraded.
	RecheckInterval time.Duration
	WorkerID        string
}

// OptionsFromConfig maps process configuration onto pool options.
func OptionsFromConfig(cfg config.Config, queues []queue.Config) Options {
	return Options{
		Queues:          queues,
		Concurrency:     cfg.WorkerConcurrency,
		Lease:           cfg.VisibilityTimeout,
		RenewInterval:   cfg.LeaseRenewInterval,
		PollInterval:    cfg.WorkerPollInterval,
		ReclaimInterval: cfg.ReclaimInterval,
		PromoteInterval: cfg.PromoteInterval,
		BatchSize:       cfg.ScheduledBatchSize,
		Retention:       cfg.TerminalRetention,
	}
}

func (o *Options) applyDefaults() {
	if len(o.Queues) == 0 {
		o.Queues = []queue.Config{{Name: queue.DefaultName}}
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.RenewInterval <= 0 || o.RenewInterval >= o.Lease {
		o.RenewInterval = o.Lease / 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = 5 * time.Second
	}
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.RecheckInterval <= 0 {
		o.RecheckInterval = 2 * time.Second
	}
	if o.WorkerID == "" {
		host, _ := os.Hostname()
		o.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

// running is a job currently executing in this pool.
type running struct {
	// lease is a private copy of the job used for renewals so the executing
	// goroutine's record is never written concurrently.
	lease  models.Job
	cancel context.CancelFunc
	lost   atomic.Bool
}

// Pool executes jobs from a set of queues with at most Concurrency running at once.
type Pool struct {
	opts     Options
	broker   Broker
	registry *jobs.Registry
	machine  *lifecycle.Machine
	bus      *events.Bus
	logger   *zap.Logger

	slots   chan struct{}
	wakeup  chan struct{}
	limits  *limiter
	health  *health
	started atomic.Bool

	mu     sync.Mutex
	active map[string]*running

	stopLoops  context.CancelFunc
	loops      *errgroup.Group
	execCtx    context.Context
	execCancel context.CancelFunc
	jobsWG     sync.WaitGroup
	stopRenew  context.CancelFunc
	renewDone  chan struct{}
}

// NewPool wires a pool. bus and logger may be nil.
func NewPool(b Broker, registry *jobs.Registry, machine *lifecycle.Machine, bus *events.Bus, logger *zap.Logger, opts Options) *Pool {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("worker_id", opts.WorkerID))
	return &Pool{
		opts:     opts,
		broker:   b,
		registry: registry,
		machine:  machine,
		bus:      bus,
		logger:   logger,
		slots:    make(chan struct{}, opts.Concurrency),
		wakeup:   make(chan struct{}, 1),
		limits:   newLimiter(opts.Queues, registry.Limits()),
		health:   newHealth(opts.RecheckInterval, logger),
		active:   make(map[string]*running),
	}
}

// Start launches the dispatch and maintenance loops. They run until ctx is
// cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("worker pool already started")
	}
	p.execCtx, p.execCancel = context.WithCancel(context.WithoutCancel(ctx))

	loopCtx, stopLoops := context.WithCancel(ctx)
	p.stopLoops = stopLoops
	g, gctx := errgroup.WithContext(loopCtx)
	p.loops = g
	g.Go(func() error { return p.dispatch(gctx) })
	g.Go(func() error { return p.every(gctx, p.opts.ReclaimInterval, p.reclaim) })
	g.Go(func() error { return p.every(gctx, p.opts.PromoteInterval, p.promote) })
	if p.opts.Retention > 0 {
		g.Go(func() error { return p.every(gctx, time.Minute, p.prune) })
	}

	renewCtx, stopRenew := context.WithCancel(context.WithoutCancel(ctx))
	p.stopRenew = stopRenew
	p.renewDone = make(chan struct{})
	go func() {
		defer close(p.renewDone)
		_ = p.every(renewCtx, p.opts.RenewInterval, p.renew)
	}()

	p.logger.Info("worker pool started",
		zap.Strings("queues", queue.Names(p.opts.Queues)),
		zap.Int("concurrency", p.opts.Concurrency),
		zap.Duration("lease", p.opts.Lease))
	return nil
}

// Stop stops reserving new work and waits for running jobs to finish. When ctx
// expires first, running jobs have their contexts cancelled, are handed back to
// the broker, and Stop returns ctx's error.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}
	p.stopLoops()
	_ = p.loops.Wait()

	done := make(chan struct{})
	go func() {
		p.jobsWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.logger.Warn("shutdown deadline reached, abandoning running jobs", zap.Int("running", p.Running()))
		p.execCancel()
		<-done
	}
	p.execCancel()
	p.stopRenew()
	<-p.renewDone
	p.logger.Info("worker pool stopped")
	return err
}

// Run starts the pool and blocks until ctx is cancelled, then stops it within
// shutdownTimeout.
func (p *Pool) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return p.Stop(stopCtx)
}

// Notify wakes the dispatcher, for example right after an in-process enqueue.
func (p *Pool) Notify() {
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Healthy reports whether the broker was reachable on the last attempt.
func (p *Pool) Healthy() bool {
	return p.health.status().Healthy
}

// Health returns the current health snapshot.
func (p *Pool) Health() Status {
	return p.health.status()
}

// dispatch reserves a job whenever a slot is free. With every slot busy it
// blocks instead of polling, so reservations never pile up in memory.
func (p *Pool) dispatch(ctx context.Context) error {
	for {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		if !p.reserveOne(ctx) {
			<-p.slots
			p.idle(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// reserveOne tries to start one job in the slot already taken. It reports
// whether the slot is now owned by a running job.
func (p *Pool) reserveOne(ctx context.Context) bool {
	if err := p.health.gate(ctx); err != nil {
		return false
	}
	queues := p.limits.eligible()
	if len(queues) == 0 {
		return false
	}
	j, err := p.broker.ReserveNext(ctx, queues, p.opts.Lease, p.limits.saturated()...)
	if j == nil {
		if err != nil && ctx.Err() == nil {
			p.health.observe(err)
			p.logger.Debug("reserve failed", zap.Error(err))
		} else if err == nil {
			p.health.observe(nil)
		}
		return false
	}
	p.health.observe(nil)

	if err != nil {
		// Reserved but unreadable: dead-letter it right away.
		p.logger.Error("dead-lettering unreadable job record", zap.String("job_id", j.ID), zap.Error(err))
		if _, rerr := p.machine.Reject(context.WithoutCancel(ctx), j, err); rerr != nil {
			p.logger.Warn("reject failed", zap.String("job_id", j.ID), zap.Error(rerr))
		}
		return false
	}

	if !p.limits.acquire(j.Queue, j.Type) {
		// Only reachable when caps changed between the scan and now.
		if uerr := p.broker.Unreserve(context.WithoutCancel(ctx), j); uerr != nil {
			p.logger.Warn("unreserve failed", zap.String("job_id", j.ID), zap.Error(uerr))
		}
		return false
	}

	p.jobsWG.Add(1)
	go func() {
		defer p.jobsWG.Done()
		defer func() { <-p.slots }()
		defer p.limits.release(j.Queue, j.Type)
		defer p.Notify()
		p.execute(j)
	}()
	return true
}

func (p *Pool) idle(ctx context.Context) {
	t := time.NewTimer(p.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-p.wakeup:
	case <-t.C:
	}
}

func (p *Pool) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.health.gate(ctx); err != nil {
				return nil
			}
			fn(ctx)
		}
	}
}

func (p *Pool) track(j *models.Job, cancel context.CancelFunc) *running {
	r := &running{lease: *j, cancel: cancel}
	p.mu.Lock()
	p.active[j.ID] = r
	p.mu.Unlock()
	return r
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}
