package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/codec"
	"elysium-jobs/internal/jobctx"
	"elysium-jobs/internal/lifecycle"
	"elysium-jobs/internal/models"
	"elysium-jobs/internal/telemetry"
)

// finishTimeout bounds the broker write that records an attempt's outcome.
const finishTimeout = 10 * time.Second

// execute runs one reserved job to completion and records the outcome.
func (p *Pool) execute(j *models.Job) {
	log := p.logger.With(
		zap.String("job_id", j.ID),
		zap.String("job_type", j.Type),
		zap.String("queue", j.Queue),
		zap.Int("attempt", j.Attempt),
	)
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(p.execCtx), finishTimeout)
	defer cancelWrite()

	performer, err := p.build(j)
	if err != nil && errors.Is(err, codec.ErrSerialization) {
		log.Error("job cannot be executed, dead-lettering", zap.Error(err))
		if _, rerr := p.machine.Reject(writeCtx, j, err); rerr != nil {
			log.Warn("reject failed", zap.Error(rerr))
		}
		return
	}

	if berr := p.machine.Begin(writeCtx, j); berr != nil {
		// The lease expired between reserve and start; reclamation owns the job now.
		log.Warn("could not start job", zap.Error(berr))
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	def, _ := p.registry.Definition(j.Type)
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}

	start := time.Now()
	out, lost := lifecycle.Failed(err), false
	if err == nil {
		out, lost = p.perform(j, performer, timeout, log)
	}
	elapsed := time.Since(start)

	if p.execCtx.Err() != nil && out.Kind != lifecycle.Success {
		// Forced shutdown: hand the job back instead of charging it a failure.
		if uerr := p.broker.Unreserve(writeCtx, j); uerr != nil {
			log.Warn("could not return job after forced shutdown", zap.Error(uerr))
		} else {
			log.Info("job returned to queue after forced shutdown")
		}
		return
	}

	if lost {
		log.Warn("lease lost during execution, outcome discarded", zap.Error(out.Err))
		return
	}

	state, ferr := p.machine.Finish(writeCtx, j, out, elapsed)
	if ferr != nil {
		if errors.Is(ferr, broker.ErrLeaseConflict) {
			telemetry.LeasesLost.Inc()
		}
		log.Warn("recording outcome failed", zap.Error(ferr))
		return
	}
	log.Debug("job finished", zap.String("state", string(state)), zap.Duration("elapsed", elapsed))
}

// build resolves the job's type and decodes its arguments.
func (p *Pool) build(j *models.Job) (performerFunc, error) {
	factory, err := p.registry.Lookup(j.Type)
	if err != nil {
		return nil, err
	}
	jobType, args, err := codec.Decode(j.Payload)
	if err != nil {
		return nil, err
	}
	if jobType != j.Type {
		return nil, fmt.Errorf("%w: payload type %q does not match job type %q", codec.ErrDecode, jobType, j.Type)
	}
	performer, err := factory(args)
	if err != nil {
		return nil, err
	}
	return performer.Perform, nil
}

type performerFunc func(ctx context.Context) error

// perform runs job code under its deadline. Code that ignores its context past the
// deadline is abandoned: the attempt is recorded as timed out and the goroutine
// is left to finish on its own. lost reports that renewal found the lease gone
// while the job ran.
func (p *Pool) perform(j *models.Job, fn performerFunc, timeout time.Duration, log *zap.Logger) (out lifecycle.Outcome, lost bool) {
	ctx := jobctx.WithInfo(p.execCtx, jobctx.Info{
		ID:          j.ID,
		Type:        j.Type,
		Queue:       j.Queue,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
	})
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := p.track(j, cancel)
	defer func() {
		p.untrack(j.ID)
		lost = r.lost.Load()
	}()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panicked", zap.Any("panic", r))
				done <- &lifecycle.PanicError{Value: r}
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return lifecycle.TimedOut(timeout), false
		}
		return lifecycle.Classify(err), false
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn("job exceeded its timeout, abandoning", zap.Duration("timeout", timeout))
			return lifecycle.TimedOut(timeout), false
		}
		return lifecycle.Failed(ctx.Err()), false
	}
}
