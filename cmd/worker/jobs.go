package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"elysium-jobs/internal/archive"
	"elysium-jobs/internal/codec"
	"elysium-jobs/internal/jobctx"
	"elysium-jobs/internal/jobs"
	"elysium-jobs/internal/models"
)

// registerSampleJobs installs the demo job types used for smoke testing a deployment.
// Thumbnails written by resize go through up.
func registerSampleJobs(reg *jobs.Registry, up archive.Uploader, logger *zap.Logger) error {
	if err := reg.Handle("noop", func(ctx context.Context, args codec.Args) error {
		logger.Info("noop job ran", zap.String("job_id", jobctx.JobID(ctx)))
		return nil
	}); err != nil {
		return err
	}
	if err := reg.Register(models.Definition{Name: "resize", Timeout: 2 * time.Minute, MaxAttempts: 3, Concurrency: 2},
		jobs.HandlerFunc(resizeJob(up)).Factory()); err != nil {
		return err
	}
	// simulate sleeps for duration_ms and fails when should_fail is set, so
	// retries and timeouts can be exercised end to end.
	return reg.Register(models.Definition{Name: "simulate", Timeout: time.Minute}, jobs.HandlerFunc(simulate).Factory())
}

func simulate(ctx context.Context, args codec.Args) error {
	if ms := millis(args["duration_ms"]); ms > 0 {
		select {
		case <-time.After(ms):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail, _ := args["should_fail"].(bool); fail {
		return errors.New("simulated failure requested by should_fail")
	}
	if reason, _ := args["cancel"].(string); reason != "" {
		return jobctx.Cancel(reason)
	}
	return nil
}

// millis accepts both int64 (producer SDK) and float64 (JSON API) durations.
func millis(v any) time.Duration {
	switch n := v.(type) {
	case int64:
		return time.Duration(n) * time.Millisecond
	case float64:
		return time.Duration(n * float64(time.Millisecond))
	}
	return 0
}
