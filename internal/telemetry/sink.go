package telemetry

import (
	"context"
	"strings"

	"elysium-jobs/internal/events"
)

// Sink turns lifecycle events into metrics. The in-flight gauge is owned by the
// worker pool, which knows when a slot is actually released.
type Sink struct{}

func (Sink) Handle(_ context.Context, e events.Event) {
	switch e.Type {
	case events.Enqueued:
		JobsEnqueued.WithLabelValues(e.Queue, e.JobType).Inc()
	case events.Succeeded, events.Failed, events.Retrying, events.Dead, events.Cancelled:
		JobsFinished.WithLabelValues(e.Queue, e.JobType, strings.TrimPrefix(string(e.Type), "job:")).Inc()
		if e.Duration > 0 {
			JobDuration.WithLabelValues(e.Queue, e.JobType).Observe(e.Duration.Seconds())
		}
		if e.Timeout {
			JobTimeouts.WithLabelValues(e.Queue, e.JobType).Inc()
		}
	}
}
