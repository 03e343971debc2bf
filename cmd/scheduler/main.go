package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/app"
	"github.com/leozw/credentials-manager/internal/config"
	"github.com/leozw/credentials-manager/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := app.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()

	jobs := scheduler.DefaultJobs(a.Leases, a.Checker, cfg.Scheduler)
	sched := scheduler.NewScheduler(jobs, a.Metrics, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Start(ctx)
	}()

	go a.Metrics.StartRemoteWrite(ctx, logger)

	logger.Info("Scheduler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down scheduler...")
	cancel()
	<-done
	logger.Info("Scheduler stopped")
}
