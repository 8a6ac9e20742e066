// Package retry decides what happens to a job after a failed attempt.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"elysium-jobs/internal/config"
	"elysium-jobs/internal/jobctx"
	"elysium-jobs/internal/models"
)

// Action is the outcome of a retry decision.
type Action int

const (
	// Retry schedules another attempt at Decision.AvailableAt.
	Retry Action = iota
	// Dead moves the job to the dead-letter set.
	Dead
	// Cancel ends the job as cancelled without consulting the attempt budget.
	Cancel
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Dead:
		return "dead"
	case Cancel:
		return "cancel"
	}
	return "unknown"
}

// Decision is what Decide returns.
type Decision struct {
	Action      Action
	Delay       time.Duration
	AvailableAt time.Time
	Reason      string
}

// DefaultMinDelay is the floor applied to backoff delays, and the stand-in for a
// non-positive explicit delay, when Policy.MinDelay is unset.
const DefaultMinDelay = time.Second

// Policy computes exponential backoff with jitter:
//
//	delay = min(Base * 2^attempt + rand[0, Jitter), Max)
//
// The jitter window is clamped to Base so delays never shrink as attempts grow.
// A Policy is safe for concurrent use; with a fixed seed the sequence of delays is
// reproducible.
type Policy struct {
	Base     time.Duration
	Max      time.Duration
	Jitter   time.Duration
	MinDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a policy. A zero seed seeds from the clock.
func New(base, max, jitter time.Duration, seed int64) *Policy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Policy{
		Base:     base,
		Max:      max,
		Jitter:   jitter,
		MinDelay: DefaultMinDelay,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// FromConfig builds the policy described by the BACKOFF_* settings.
func FromConfig(cfg config.Config) *Policy {
	return New(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffJitter, cfg.BackoffSeed)
}

// Delay returns the default backoff after the given (1-based) failed attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	jitterWindow := p.Jitter
	if jitterWindow > p.Base {
		jitterWindow = p.Base
	}
	var jitter time.Duration
	if jitterWindow > 0 {
		p.mu.Lock()
		jitter = time.Duration(p.rng.Int63n(int64(jitterWindow)))
		p.mu.Unlock()
	}

	max := p.Max
	if max <= 0 {
		max = time.Duration(math.MaxInt64)
	}
	delay := max
	if attempt < 62 && p.Base <= (max-jitter)>>uint(attempt) {
		delay = p.Base<<uint(attempt) + jitter
	}
	if delay > max {
		delay = max
	}
	return p.floor(delay)
}

func (p *Policy) floor(d time.Duration) time.Duration {
	min := p.MinDelay
	if min <= 0 {
		min = DefaultMinDelay
	}
	if d < min {
		return min
	}
	return d
}

// positive keeps an explicit delay as given unless it is zero or negative.
func (p *Policy) positive(d time.Duration) time.Duration {
	if d <= 0 {
		return p.floor(0)
	}
	return d
}

// Decide maps a failed attempt to retry, dead-letter or cancellation.
//
// A cancellation result always wins. NoRetry errors and an exhausted attempt budget
// dead-letter the job. Otherwise the delay comes from a RetryAfter error, then the
// job type's custom delay function (used verbatim), then the default backoff.
func (p *Policy) Decide(now time.Time, attempt, maxAttempts int, err error, custom models.RetryDelayFunc) Decision {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if jobctx.IsCancel(err) {
		return Decision{Action: Cancel, Reason: reason}
	}
	var noRetry *jobctx.NoRetryError
	if errors.As(err, &noRetry) {
		return Decision{Action: Dead, Reason: reason}
	}
	if attempt >= maxAttempts {
		return Decision{Action: Dead, Reason: reason}
	}

	var delay time.Duration
	var after *jobctx.RetryAfterError
	switch {
	case errors.As(err, &after):
		delay = p.positive(after.Delay)
	case custom != nil:
		delay = p.positive(custom(attempt, err))
	default:
		delay = p.Delay(attempt)
	}
	return Decision{Action: Retry, Delay: delay, AvailableAt: now.Add(delay), Reason: reason}
}
