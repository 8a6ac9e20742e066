package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/events"
	"elysium-jobs/internal/models"
	"elysium-jobs/internal/queue"
	"elysium-jobs/internal/telemetry"
)

// renew extends the lease of every running job. A job whose lease is already
// gone has its context cancelled; its outcome will not be recorded.
func (p *Pool) renew(ctx context.Context) {
	p.mu.Lock()
	held := make([]*running, 0, len(p.active))
	for _, r := range p.active {
		held = append(held, r)
	}
	p.mu.Unlock()

	for _, r := range held {
		err := p.broker.ExtendLease(ctx, &r.lease, p.opts.Lease)
		switch {
		case err == nil:
			p.health.observe(nil)
		case errors.Is(err, broker.ErrLeaseConflict):
			if r.lost.CompareAndSwap(false, true) {
				telemetry.LeasesLost.Inc()
				p.logger.Warn("lease lost, cancelling job", zap.String("job_id", r.lease.ID), zap.String("queue", r.lease.Queue))
				r.cancel()
			}
		default:
			p.health.observe(err)
			p.logger.Warn("lease renewal failed", zap.String("job_id", r.lease.ID), zap.Error(err))
		}
	}
}

// reclaim returns jobs whose lease expired to their queue, or finishes them when
// they were on their last attempt or had a cancellation pending.
func (p *Pool) reclaim(ctx context.Context) {
	for _, name := range queue.Names(p.opts.Queues) {
		got, err := p.broker.ReclaimExpired(ctx, name, p.opts.BatchSize)
		p.health.observe(err)
		if err != nil {
			p.logger.Warn("reclaim failed", zap.String("queue", name), zap.Error(err))
			continue
		}
		if len(got) == 0 {
			continue
		}
		telemetry.LeasesReclaimed.WithLabelValues(name).Add(float64(len(got)))
		for _, rc := range got {
			p.logger.Info("reclaimed expired lease", zap.String("job_id", rc.ID), zap.String("queue", name), zap.String("state", string(rc.State)))
			switch rc.State {
			case models.StateDead:
				p.publish(ctx, rc.ID, name, events.Dead, "lease expired on final attempt")
			case models.StateCancelled:
				p.publish(ctx, rc.ID, name, events.Cancelled, "cancellation requested")
			}
		}
		p.Notify()
	}
	p.recordDepth(ctx)
}

// promote moves due delayed jobs into their ready sets.
func (p *Pool) promote(ctx context.Context) {
	moved := 0
	for _, name := range queue.Names(p.opts.Queues) {
		n, err := p.broker.PromoteDelayed(ctx, name, p.opts.BatchSize)
		p.health.observe(err)
		if err != nil {
			p.logger.Warn("promote failed", zap.String("queue", name), zap.Error(err))
			continue
		}
		moved += n
	}
	if moved > 0 {
		p.logger.Debug("promoted delayed jobs", zap.Int("count", moved))
		p.Notify()
	}
}

// prune drops succeeded and cancelled records older than the retention window.
func (p *Pool) prune(ctx context.Context) {
	cutoff := time.Now().Add(-p.opts.Retention)
	for _, name := range queue.Names(p.opts.Queues) {
		n, err := p.broker.PruneTerminal(ctx, name, cutoff, p.opts.BatchSize)
		if err != nil {
			p.logger.Warn("prune failed", zap.String("queue", name), zap.Error(err))
			continue
		}
		if n > 0 {
			p.logger.Info("pruned terminal jobs", zap.String("queue", name), zap.Int("count", n))
		}
	}
}

func (p *Pool) recordDepth(ctx context.Context) {
	for _, name := range queue.Names(p.opts.Queues) {
		d, err := p.broker.Depth(ctx, name)
		if err != nil {
			continue
		}
		telemetry.QueueDepthGauge.WithLabelValues(name, string(queue.SetReady)).Set(float64(d.Ready))
		telemetry.QueueDepthGauge.WithLabelValues(name, string(queue.SetDelayed)).Set(float64(d.Delayed))
		telemetry.QueueDepthGauge.WithLabelValues(name, string(queue.SetReserved)).Set(float64(d.Reserved))
		telemetry.QueueDepthGauge.WithLabelValues(name, string(queue.SetDead)).Set(float64(d.Dead))
	}
}

func (p *Pool) publish(ctx context.Context, id, queueName string, t events.Type, reason string) {
	p.bus.Publish(ctx, events.Event{
		Type:  t,
		JobID: id,
		Queue: queueName,
		Error: reason,
		At:    time.Now().UTC(),
	})
}
