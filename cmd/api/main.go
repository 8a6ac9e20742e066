package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"elysium-jobs/internal/api"
	"elysium-jobs/internal/app"
	"elysium-jobs/internal/queue"
	"elysium-jobs/internal/ratelimit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx)
	if err != nil {
		_, _ = os.Stderr.WriteString("api: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := rt.Logger
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Close(closeCtx)
	}()

	var limiter *ratelimit.TokenBucket
	if rt.Config.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(rt.Broker.Client(), queue.NewKeyspace(rt.Config.KeyPrefix),
			rt.Config.RateLimitCapacity, rt.Config.RateLimitRefill, time.Hour)
	}
	archiver, err := rt.Archiver(ctx)
	if err != nil {
		logger.Fatal("init archiver", zap.Error(err))
	}

	server := api.New(rt.Engine, limiter, archiver, logger.Named("api"))
	if rt.Store != nil {
		server.WithHistory(rt.Store)
	}
	httpServer := &http.Server{
		Addr:              ":" + rt.Config.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("port", rt.Config.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
