// Package events publishes job lifecycle notifications to pluggable sinks.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names a lifecycle notification.
type Type string

const (
	Enqueued  Type = "job:enqueued"
	Started   Type = "job:started"
	Succeeded Type = "job:succeeded"
	Failed    Type = "job:failed"
	Retrying  Type = "job:retrying"
	Dead      Type = "job:dead"
	Cancelled Type = "job:cancelled"
)

// Event is one lifecycle notification.
type Event struct {
	Type    Type   `json:"type"`
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Queue   string `json:"queue"`
	Attempt int    `json:"attempt"`
	// Duration is the execution time of the attempt for started-after events.
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	// Timeout is set when the attempt failed by exceeding its deadline.
	Timeout     bool      `json:"timeout,omitempty"`
	AvailableAt time.Time `json:"available_at,omitempty"`
	At          time.Time `json:"at"`
}

// Sink receives events. Handle must not block for long; sinks that do I/O
// should buffer internally.
type Sink interface {
	Handle(ctx context.Context, e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Handle(ctx context.Context, e Event) { f(ctx, e) }

// Bus fans events out to every registered sink. A panicking sink is logged and
// skipped.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *zap.Logger
}

// NewBus returns a bus delivering to sinks.
func NewBus(logger *zap.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{sinks: sinks, logger: logger}
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish delivers e to every sink in registration order.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		b.deliver(ctx, s, e)
	}
}

func (b *Bus) deliver(ctx context.Context, s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event sink panicked", zap.String("event", string(e.Type)), zap.Any("panic", r))
		}
	}()
	s.Handle(ctx, e)
}
