package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/events"
	"elysium-jobs/internal/jobctx"
	"elysium-jobs/internal/models"
	"elysium-jobs/internal/retry"
)

// Store is the part of the broker the machine writes through.
type Store interface {
	MarkRunning(ctx context.Context, j *models.Job) error
	Ack(ctx context.Context, j *models.Job) error
	Kill(ctx context.Context, j *models.Job, reason string) error
	CancelRunning(ctx context.Context, j *models.Job) error
	Release(ctx context.Context, j *models.Job, availableAt time.Time, lastErr string) (models.State, error)
}

// Definitions resolves per-type settings such as a custom retry delay.
type Definitions interface {
	Definition(name string) (models.Definition, bool)
}

// OutcomeKind classifies how an attempt ended.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	Failure
	Timeout
	Cancellation
)

// Outcome is the result of one attempt.
type Outcome struct {
	Kind OutcomeKind
	Err  error
	// Limit is the deadline that was exceeded, for Timeout outcomes.
	Limit time.Duration
}

func Succeeded() Outcome { return Outcome{Kind: Success} }

func Failed(err error) Outcome { return Outcome{Kind: Failure, Err: err} }

func TimedOut(limit time.Duration) Outcome {
	return Outcome{Kind: Timeout, Err: context.DeadlineExceeded, Limit: limit}
}

func Cancelled(reason string) Outcome {
	return Outcome{Kind: Cancellation, Err: jobctx.Cancel(reason)}
}

// Classify turns the error returned by job code into an outcome. A cancellation
// result is recognized before anything else so it never reaches the retry path.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Succeeded()
	case jobctx.IsCancel(err):
		return Outcome{Kind: Cancellation, Err: err}
	}
	return Failed(err)
}

// Machine applies attempt outcomes to the broker and publishes lifecycle events.
type Machine struct {
	store  Store
	defs   Definitions
	policy *retry.Policy
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Machine.
type Option func(*Machine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine wires a machine. bus may be nil.
func NewMachine(store Store, defs Definitions, policy *retry.Policy, bus *events.Bus, opts ...Option) *Machine {
	m := &Machine{
		store:  store,
		defs:   defs,
		policy: policy,
		bus:    bus,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin moves a reserved job to running.
func (m *Machine) Begin(ctx context.Context, j *models.Job) error {
	if _, err := Transition(j.State, EventBegin); err != nil {
		return err
	}
	if err := m.store.MarkRunning(ctx, j); err != nil {
		return err
	}
	m.publish(ctx, j, events.Started, func(*events.Event) {})
	return nil
}

// Finish records the outcome of a running job's attempt and returns the state it
// ended in. A broker.ErrLeaseConflict means the lease was lost mid-run and another
// worker may already own the job; nothing is written in that case.
func (m *Machine) Finish(ctx context.Context, j *models.Job, out Outcome, elapsed time.Duration) (models.State, error) {
	switch out.Kind {
	case Success:
		if err := m.guard(j, EventSucceed); err != nil {
			return j.State, err
		}
		if err := m.store.Ack(ctx, j); err != nil {
			return j.State, m.lost(j, err)
		}
		m.publish(ctx, j, events.Succeeded, func(e *events.Event) { e.Duration = elapsed })
		return j.State, nil

	case Cancellation:
		return m.cancel(ctx, j, out.Err, elapsed)
	}

	if err := m.guard(j, EventFail); err != nil {
		return j.State, err
	}
	execErr := &ExecutionError{JobID: j.ID, JobType: j.Type, Attempt: j.Attempt, Err: out.Err}
	if out.Kind == Timeout {
		execErr.Timeout = out.Limit
	}
	reason := execErr.Error()
	m.publish(ctx, j, events.Failed, func(e *events.Event) {
		e.Duration = elapsed
		e.Error = reason
		e.Timeout = out.Kind == Timeout
	})

	def, _ := m.defs.Definition(j.Type)
	decision := m.policy.Decide(m.now(), j.Attempt, j.MaxAttempts, out.Err, def.RetryDelay)
	switch decision.Action {
	case retry.Cancel:
		return m.cancel(ctx, j, out.Err, elapsed)
	case retry.Dead:
		return m.kill(ctx, j, reason)
	}

	state, err := m.store.Release(ctx, j, decision.AvailableAt, reason)
	if err != nil {
		return j.State, m.lost(j, err)
	}
	if state == models.StateCancelled {
		m.publish(ctx, j, events.Cancelled, func(e *events.Event) { e.Error = "cancellation requested" })
		return state, nil
	}
	m.publish(ctx, j, events.Retrying, func(e *events.Event) {
		e.Error = reason
		e.AvailableAt = decision.AvailableAt
	})
	return state, nil
}

// Reject dead-letters a reserved or running job that can never run, such as one
// whose payload fails to decode or whose type is not registered here.
func (m *Machine) Reject(ctx context.Context, j *models.Job, cause error) (models.State, error) {
	if err := m.guard(j, EventKill); err != nil {
		return j.State, err
	}
	return m.kill(ctx, j, cause.Error())
}

func (m *Machine) kill(ctx context.Context, j *models.Job, reason string) (models.State, error) {
	if err := m.store.Kill(ctx, j, reason); err != nil {
		return j.State, m.lost(j, err)
	}
	m.publish(ctx, j, events.Dead, func(e *events.Event) { e.Error = reason })
	return j.State, nil
}

func (m *Machine) cancel(ctx context.Context, j *models.Job, cause error, elapsed time.Duration) (models.State, error) {
	if err := m.guard(j, EventCancel); err != nil {
		return j.State, err
	}
	if err := m.store.CancelRunning(ctx, j); err != nil {
		return j.State, m.lost(j, err)
	}
	m.publish(ctx, j, events.Cancelled, func(e *events.Event) {
		e.Duration = elapsed
		if cause != nil {
			e.Error = cause.Error()
		}
	})
	return j.State, nil
}

func (m *Machine) guard(j *models.Job, ev Event) error {
	_, err := Transition(j.State, ev)
	return err
}

func (m *Machine) lost(j *models.Job, err error) error {
	if errors.Is(err, broker.ErrLeaseConflict) {
		m.logger.Warn("lease lost before completion was recorded",
			zap.String("job_id", j.ID), zap.String("job_type", j.Type), zap.Int("attempt", j.Attempt))
	}
	return err
}

func (m *Machine) publish(ctx context.Context, j *models.Job, t events.Type, fill func(*events.Event)) {
	e := events.Event{
		Type:    t,
		JobID:   j.ID,
		JobType: j.Type,
		Queue:   j.Queue,
		Attempt: j.Attempt,
		At:      m.now().UTC(),
	}
	fill(&e)
	m.bus.Publish(ctx, e)
}
