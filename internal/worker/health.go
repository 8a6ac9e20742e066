package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/telemetry"
)

// health tracks whether the broker is reachable. While it is not, every loop
// shares one slow limiter so the pool rechecks instead of hammering.
type health struct {
	mu      sync.Mutex
	healthy bool
	lastErr error
	since   time.Time
	recheck *rate.Limiter
	logger  *zap.Logger
}

func newHealth(recheckEvery time.Duration, logger *zap.Logger) *health {
	telemetry.WorkerHealthy.Set(1)
	return &health{
		healthy: true,
		since:   time.Now(),
		recheck: rate.NewLimiter(rate.Every(recheckEvery), 1),
		logger:  logger,
	}
}

// affects reports whether err says something about broker availability.
func affects(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, broker.ErrLeaseConflict) &&
		!errors.Is(err, broker.ErrCorruptRecord) &&
		!errors.Is(err, broker.ErrNotFound) &&
		!errors.Is(err, context.Canceled)
}

func (h *health) observe(err error) {
	if err == nil {
		h.success()
		return
	}
	if affects(err) {
		h.failure(err)
	}
}

func (h *health) failure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastErr = err
	if !h.healthy {
		return
	}
	h.healthy = false
	h.since = time.Now()
	telemetry.WorkerHealthy.Set(0)
	h.logger.Error("broker unavailable, pool degraded", zap.Error(err))
}

func (h *health) success() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.healthy {
		return
	}
	h.logger.Info("broker reachable again, pool recovered", zap.Duration("degraded_for", time.Since(h.since)))
	h.healthy = true
	h.lastErr = nil
	h.since = time.Now()
	telemetry.WorkerHealthy.Set(1)
}

// gate blocks while degraded until the next recheck is allowed.
func (h *health) gate(ctx context.Context) error {
	h.mu.Lock()
	healthy := h.healthy
	h.mu.Unlock()
	if healthy {
		return nil
	}
	return h.recheck.Wait(ctx)
}

// Status is a snapshot of pool health.
type Status struct {
	Healthy bool      `json:"healthy"`
	Since   time.Time `json:"since"`
	Error   string    `json:"error,omitempty"`
}

func (h *health) status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Status{Healthy: h.healthy, Since: h.since}
	if h.lastErr != nil {
		s.Error = h.lastErr.Error()
	}
	return s
}
