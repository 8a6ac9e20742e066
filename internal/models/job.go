package models

import (
	"time"
)

// State enumerates the lifecycle states of a job instance.
type State string

const (
	StatePending   State = "pending"
	StateScheduled State = "scheduled"
	StateReserved  State = "reserved"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateRetrying  State = "retrying"
	StateDead      State = "dead"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateDead, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateScheduled, StateReserved, StateRunning, StateSucceeded,
		StateFailed, StateRetrying, StateDead, StateCancelled:
		return true
	}
	return false
}

// RetryDelayFunc overrides the default backoff for a job type.
type RetryDelayFunc func(attempt int, err error) time.Duration

// Definition configures a job type at registration time.
type Definition struct {
	Name        string
	Queue       string
	Priority    int
	MaxAttempts int
	Timeout     time.Duration
	RetryDelay  RetryDelayFunc
	// Concurrency caps how many jobs of this type one pool runs at once. Zero means no cap.
	Concurrency int
}

// Job is one concrete invocation of a job type as stored in the broker.
type Job struct {
	ID              string        `json:"id"`
	Type            string        `json:"type"`
	Queue           string        `json:"queue"`
	Priority        int           `json:"priority"`
	Payload         []byte        `json:"payload,omitempty"`
	State           State         `json:"state"`
	Attempt         int           `json:"attempt"`
	MaxAttempts     int           `json:"max_attempts"`
	Timeout         time.Duration `json:"timeout"`
	EnqueuedAt      time.Time     `json:"enqueued_at"`
	AvailableAt     time.Time     `json:"available_at"`
	ReservedAt      time.Time     `json:"reserved_at,omitempty"`
	StartedAt       time.Time     `json:"started_at,omitempty"`
	CompletedAt     time.Time     `json:"completed_at,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	Lease           string        `json:"-"`
	LeaseUntil      time.Time     `json:"lease_until,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
}

// Schedule is a recurring job definition materialized by the cron dispatcher.
type Schedule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	JobType   string    `json:"job_type"`
	Payload   []byte    `json:"payload"`
	Expr      string    `json:"expr"`
	Queue     string    `json:"queue"`
	Priority  int       `json:"priority"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
