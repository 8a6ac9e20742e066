package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"elysium-jobs/internal/app"
	"elysium-jobs/internal/archive"
	"elysium-jobs/internal/cron"
	"elysium-jobs/internal/queue"
	"elysium-jobs/internal/telemetry"
	"elysium-jobs/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx)
	if err != nil {
		_, _ = os.Stderr.WriteString("worker: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := rt.Logger
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Close(closeCtx)
	}()

	thumbs, err := archive.NewUploader(ctx, rt.Config)
	if err != nil {
		logger.Fatal("build uploader", zap.Error(err))
	}
	if err := registerSampleJobs(rt.Registry, thumbs, logger.Named("jobs")); err != nil {
		logger.Fatal("register jobs", zap.Error(err))
	}

	queues, err := queue.ParseList(rt.Config.Queues)
	if err != nil {
		logger.Fatal("parse QUEUES", zap.Error(err))
	}
	opts := worker.OptionsFromConfig(rt.Config, queues)
	if id := os.Getenv("WORKER_ID"); id != "" {
		opts.WorkerID = id
	}
	pool := worker.NewPool(rt.Broker, rt.Registry, rt.Machine(), rt.Bus, logger.Named("pool"), opts)
	rt.Engine.OnSubmit(pool.Notify)

	dispatcher := cron.NewDispatcher(rt.Broker, rt.Engine.EnqueueScheduled, opts.WorkerID,
		cron.WithTick(rt.Config.CronTick),
		cron.WithClaimTTL(rt.Config.CronClaim),
		cron.WithLogger(logger.Named("cron")))

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := pool.Health()
		code := http.StatusOK
		if !st.Healthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"health": st, "running": pool.Running()})
	})
	r.Mount("/metrics", telemetry.Handler())
	httpServer := &http.Server{Addr: rt.Config.MetricsAddr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx, rt.Config.ShutdownTimeout)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if rt.Store != nil && rt.Config.TerminalRetention > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					n, err := rt.Store.PruneEvents(gctx, time.Now().Add(-rt.Config.TerminalRetention))
					if err != nil {
						logger.Warn("pruning audit trail failed", zap.Error(err))
						continue
					}
					logger.Info("audit trail pruned", zap.Int64("rows", n))
				}
			}
		})
	}

	logger.Info("worker started",
		zap.String("worker_id", opts.WorkerID),
		zap.Strings("queues", queue.Names(queues)),
		zap.Strings("job_types", rt.Registry.Names()),
		zap.String("metrics_addr", rt.Config.MetricsAddr))
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}
