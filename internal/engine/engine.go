// Package engine is the application-facing surface of the job system: register
// job types, enqueue work, manage recurring schedules and cancel jobs.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/codec"
	"elysium-jobs/internal/cron"
	"elysium-jobs/internal/events"
	"elysium-jobs/internal/jobs"
	"elysium-jobs/internal/models"
	"elysium-jobs/internal/queue"
)

// Engine enqueues jobs and schedules through one broker.
type Engine struct {
	broker   *broker.Broker
	registry *jobs.Registry
	bus      *events.Bus
	logger   *zap.Logger

	mu       sync.RWMutex
	onSubmit []func()
}

// New wires an engine. bus and logger may be nil.
func New(b *broker.Broker, registry *jobs.Registry, bus *events.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{broker: b, registry: registry, bus: bus, logger: logger}
}

// Registry returns the job type registry.
func (e *Engine) Registry() *jobs.Registry { return e.registry }

// Broker returns the underlying broker.
func (e *Engine) Broker() *broker.Broker { return e.broker }

// Register adds a job type.
func (e *Engine) Register(def models.Definition, factory jobs.Factory) error {
	return e.registry.Register(def, factory)
}

// Handle registers a function as a job type with default settings.
func (e *Engine) Handle(name string, fn jobs.HandlerFunc) error {
	return e.registry.Handle(name, fn)
}

// OnSubmit registers fn to run after every successful enqueue, typically a local
// pool's Notify so it does not wait for its next poll.
func (e *Engine) OnSubmit(fn func()) {
	e.mu.Lock()
	e.onSubmit = append(e.onSubmit, fn)
	e.mu.Unlock()
}

// Enqueue submits one job. jobType need not be registered in this process;
// unregistered types get the registry defaults.
func (e *Engine) Enqueue(ctx context.Context, jobType string, args codec.Args, opts ...Option) (*models.Job, error) {
	payload, err := codec.Encode(jobType, args)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return e.submit(ctx, jobType, payload, opts...)
}

func (e *Engine) submit(ctx context.Context, jobType string, payload []byte, opts ...Option) (*models.Job, error) {
	if !jobs.ValidName(jobType) {
		return nil, fmt.Errorf("enqueue: %w: %q", jobs.ErrInvalidName, jobType)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	def, _ := e.registry.Definition(jobType)

	j := &models.Job{
		ID:          o.id,
		Type:        jobType,
		Queue:       def.Queue,
		Priority:    def.Priority,
		Payload:     payload,
		MaxAttempts: def.MaxAttempts,
		Timeout:     def.Timeout,
	}
	if j.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("enqueue %s: generate id: %w", jobType, err)
		}
		j.ID = id.String()
	}
	if o.queue != "" {
		j.Queue = o.queue
	}
	if o.priority != nil {
		j.Priority = *o.priority
	}
	if o.maxAttempts > 0 {
		j.MaxAttempts = o.maxAttempts
	}
	if o.timeout > 0 {
		j.Timeout = o.timeout
	}
	now := e.broker.Now()
	switch {
	case !o.at.IsZero():
		j.AvailableAt = o.at
	case o.delay > 0:
		j.AvailableAt = now.Add(o.delay)
	}

	if err := e.broker.Enqueue(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	e.bus.Publish(ctx, events.Event{
		Type:        events.Enqueued,
		JobID:       j.ID,
		JobType:     j.Type,
		Queue:       j.Queue,
		AvailableAt: j.AvailableAt,
		At:          now,
	})

	e.mu.RLock()
	hooks := e.onSubmit
	e.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	return j, nil
}

// Get loads a job.
func (e *Engine) Get(ctx context.Context, id string) (*models.Job, error) {
	return e.broker.Get(ctx, id)
}

// Cancel cancels a job that has not finished. A pending or delayed job is
// cancelled at once. A job held by a worker is cancelled when that worker hands
// it back; job code that must stop early should watch its context or return
// jobctx.Cancel itself.
func (e *Engine) Cancel(ctx context.Context, id string) (broker.CancelOutcome, error) {
	out, err := e.broker.Cancel(ctx, id)
	if err != nil {
		return "", err
	}
	if out == broker.CancelDone {
		ev := events.Event{Type: events.Cancelled, JobID: id, Error: "cancelled by operator", At: e.broker.Now()}
		if j, gerr := e.broker.Get(ctx, id); gerr == nil {
			ev.JobType, ev.Queue, ev.Attempt = j.Type, j.Queue, j.Attempt
		}
		e.bus.Publish(ctx, ev)
	}
	e.logger.Info("cancel requested", zap.String("job_id", id), zap.String("outcome", string(out)))
	return out, nil
}

// Schedule creates a recurring schedule that enqueues jobType with args each time
// expr fires. Only WithQueue, WithPriority, WithID and Disabled apply.
func (e *Engine) Schedule(ctx context.Context, name, jobType string, args codec.Args, expr string, opts ...Option) (*models.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if _, err := cron.Parse(expr); err != nil {
		return nil, err
	}
	if !jobs.ValidName(jobType) {
		return nil, fmt.Errorf("schedule: %w: %q", jobs.ErrInvalidName, jobType)
	}
	payload, err := codec.Encode(jobType, args)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", jobType, err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queue != "" && !queue.ValidName(o.queue) {
		return nil, fmt.Errorf("schedule: %w: %q", queue.ErrInvalidName, o.queue)
	}
	if o.priority != nil && !queue.ValidPriority(*o.priority) {
		return nil, fmt.Errorf("schedule: %w: %d", queue.ErrInvalidPriority, *o.priority)
	}

	s := &models.Schedule{
		ID:        o.id,
		Name:      name,
		JobType:   jobType,
		Payload:   payload,
		Expr:      expr,
		Queue:     o.queue,
		Enabled:   !o.disabled,
		CreatedAt: e.broker.Now(),
	}
	if o.priority != nil {
		s.Priority = *o.priority
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Name == "" {
		s.Name = jobType
	}
	if err := e.broker.SaveSchedule(ctx, s); err != nil {
		return nil, err
	}
	e.logger.Info("schedule saved", zap.String("schedule_id", s.ID), zap.String("job_type", jobType), zap.String("expr", expr))
	return s, nil
}

// Unschedule deletes a schedule. Jobs it already enqueued are unaffected.
func (e *Engine) Unschedule(ctx context.Context, id string) error {
	return e.broker.DeleteSchedule(ctx, id)
}

// Schedules lists every schedule.
func (e *Engine) Schedules(ctx context.Context) ([]*models.Schedule, error) {
	return e.broker.ListSchedules(ctx)
}

// EnqueueScheduled enqueues one fire of s. It satisfies cron.EnqueueFunc.
func (e *Engine) EnqueueScheduled(ctx context.Context, s *models.Schedule, fireAt time.Time) (string, error) {
	var opts []Option
	if s.Priority != 0 {
		opts = append(opts, WithPriority(s.Priority))
	}
	if s.Queue != "" {
		opts = append(opts, WithQueue(s.Queue))
	}
	j, err := e.submit(ctx, s.JobType, s.Payload, opts...)
	if err != nil {
		return "", err
	}
	e.logger.Debug("scheduled job enqueued", zap.String("schedule_id", s.ID), zap.String("job_id", j.ID), zap.Time("fire_at", fireAt))
	return j.ID, nil
}
