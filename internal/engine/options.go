package engine

import "time"

// Option adjusts how a job is enqueued or a schedule is created.
type Option func(*options)

type options struct {
	id          string
	queue       string
	priority    *int
	delay       time.Duration
	at          time.Time
	maxAttempts int
	timeout     time.Duration
	disabled    bool
}

// WithQueue overrides the job type's default queue.
func WithQueue(name string) Option {
	return func(o *options) { o.queue = name }
}

// WithPriority sets the priority. Higher values are served first.
func WithPriority(p int) Option {
	return func(o *options) { o.priority = &p }
}

// WithDelay makes the job invisible to workers for d.
func WithDelay(d time.Duration) Option {
	return func(o *options) { o.delay = d }
}

// WithAt makes the job invisible to workers until t.
func WithAt(t time.Time) Option {
	return func(o *options) { o.at = t }
}

// WithMaxAttempts overrides the job type's attempt limit.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithTimeout overrides the job type's per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithID uses id instead of a generated one. Enqueueing the same ID twice fails
// with broker.ErrDuplicate, which makes producer retries safe.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// Disabled creates a schedule that does not fire until enabled.
func Disabled() Option {
	return func(o *options) { o.disabled = true }
}
