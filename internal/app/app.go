// Package app assembles the shared runtime of the api, worker and queuectl
// binaries from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"elysium-jobs/internal/archive"
	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/config"
	"elysium-jobs/internal/engine"
	"elysium-jobs/internal/events"
	"elysium-jobs/internal/jobs"
	"elysium-jobs/internal/lifecycle"
	"elysium-jobs/internal/logging"
	"elysium-jobs/internal/retry"
	"elysium-jobs/internal/store"
	"elysium-jobs/internal/telemetry"
)

// Runtime holds the long-lived components every binary needs.
type Runtime struct {
	Config   config.Config
	Logger   *zap.Logger
	Broker   *broker.Broker
	Registry *jobs.Registry
	Bus      *events.Bus
	Engine   *engine.Engine
	// Store and Audit are nil unless POSTGRES_DSN is set.
	Store *store.Store
	Audit *store.AuditSink
}

// New loads configuration, builds the logger, connects to Redis (and Postgres
// when configured) and wires the engine.
func New(ctx context.Context) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg, logger)
}

// NewWithConfig is New with configuration and logger supplied by the caller.
func NewWithConfig(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}

	rt.Broker = broker.NewFromConfig(cfg, logger.Named("broker"))
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rt.Broker.Ping(pingCtx); err != nil {
		_ = rt.Broker.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	rt.Bus = events.NewBus(logger, events.NewLogSink(logger.Named("events")), telemetry.Sink{})
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			_ = rt.Broker.Close()
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			_ = rt.Broker.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		rt.Store = st
		rt.Audit = store.NewAuditSink(st, 4096, logger.Named("audit"))
		rt.Bus.Subscribe(rt.Audit)
	}

	rt.Registry = jobs.NewRegistry(jobs.Defaults{
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.JobTimeout,
	})
	rt.Engine = engine.New(rt.Broker, rt.Registry, rt.Bus, logger.Named("engine"))
	return rt, nil
}

// Machine builds the lifecycle machine used by worker pools.
func (rt *Runtime) Machine() *lifecycle.Machine {
	return lifecycle.NewMachine(rt.Broker, rt.Registry, retry.FromConfig(rt.Config), rt.Bus,
		lifecycle.WithLogger(rt.Logger.Named("lifecycle")))
}

// Archiver builds the dead-letter exporter configured by ARCHIVE_*.
func (rt *Runtime) Archiver(ctx context.Context) (*archive.Archiver, error) {
	up, err := archive.NewUploader(ctx, rt.Config)
	if err != nil {
		return nil, err
	}
	var rec archive.Recorder
	if rt.Store != nil {
		rec = rt.Store
	}
	return archive.New(rt.Broker, up, rec, rt.Logger.Named("archive")), nil
}

// Close flushes the audit trail and releases connections.
func (rt *Runtime) Close(ctx context.Context) {
	if rt.Audit != nil {
		if err := rt.Audit.Close(ctx); err != nil {
			rt.Logger.Warn("audit trail not fully flushed", zap.Error(err))
		}
	}
	if rt.Store != nil {
		rt.Store.Close()
	}
	if err := rt.Broker.Close(); err != nil {
		rt.Logger.Warn("closing redis", zap.Error(err))
	}
	_ = rt.Logger.Sync()
}
