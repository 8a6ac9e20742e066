package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"elysium-jobs/internal/archive"
	"elysium-jobs/internal/codec"
	"elysium-jobs/internal/jobctx"
	"elysium-jobs/internal/jobs"
)

func TestRegisterSampleJobs(t *testing.T) {
	reg := jobs.NewRegistry(jobs.Defaults{})
	require.NoError(t, registerSampleJobs(reg, &archive.LocalUploader{BaseDir: t.TempDir()}, zap.NewNop()))
	assert.ElementsMatch(t, []string{"noop", "resize", "simulate"}, reg.Names())
}

func TestSimulate(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, simulate(ctx, codec.Args{"duration_ms": float64(1)}))
	assert.Error(t, simulate(ctx, codec.Args{"should_fail": true}))
	assert.True(t, jobctx.IsCancel(simulate(ctx, codec.Args{"cancel": "stale"})))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, simulate(short, codec.Args{"duration_ms": int64(5000)}), context.DeadlineExceeded)
}
