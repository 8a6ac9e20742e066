package events

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink logs through logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Handle(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("job_id", e.JobID),
		zap.String("job_type", e.JobType),
		zap.String("queue", e.Queue),
		zap.Int("attempt", e.Attempt),
	}
	if e.Duration > 0 {
		fields = append(fields, zap.Duration("duration", e.Duration))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	if e.Timeout {
		fields = append(fields, zap.Bool("timeout", true))
	}
	if !e.AvailableAt.IsZero() {
		fields = append(fields, zap.Time("available_at", e.AvailableAt))
	}
	s.logger.Log(level(e.Type), string(e.Type), fields...)
}

func level(t Type) zapcore.Level {
	switch t {
	case Dead:
		return zapcore.ErrorLevel
	case Failed, Retrying:
		return zapcore.WarnLevel
	case Started:
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
