package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"elysium-jobs/internal/events"
)

// EventWriter persists one event.
type EventWriter interface {
	AppendEvent(ctx context.Context, e events.Event) error
}

// AuditSink buffers lifecycle events and writes them in the background so job
// completion never waits on Postgres. Events are dropped (and counted) when the
// buffer is full.
type AuditSink struct {
	writer  EventWriter
	logger  *zap.Logger
	ch      chan events.Event
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.Mutex
	dropped int64
	closed  bool
}

// NewAuditSink starts the background writer.
func NewAuditSink(writer EventWriter, buffer int, logger *zap.Logger) *AuditSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AuditSink{writer: writer, logger: logger, ch: make(chan events.Event, buffer)}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *AuditSink) Handle(_ context.Context, e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped++
	}
}

// Dropped reports how many events were discarded.
func (s *AuditSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *AuditSink) loop() {
	defer s.wg.Done()
	for e := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.writer.AppendEvent(ctx, e); err != nil {
			s.logger.Warn("audit write failed", zap.String("job_id", e.JobID), zap.String("event", string(e.Type)), zap.Error(err))
		}
		cancel()
	}
}

// Close flushes buffered events and stops the writer, or gives up when ctx ends.
func (s *AuditSink) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
