package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conversation-engine/backend/internal/sweep"
	"conversation-engine/backend/pkg/config"
	"conversation-engine/backend/pkg/di"
	"conversation-engine/backend/pkg/logger"
)

func main() {
	cfg := config.New()
	log := di.NewLogger(cfg, "scheduler")
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.LogError(err, "Invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.New(ctx, "conversation-engine-scheduler", cfg, log)
	if err != nil {
		log.LogError(err, "Failed to initialize dependency container")
		os.Exit(1)
	}

	scheduler := sweep.NewScheduler(container.Queue, sweep.SchedulerConfig{
		Interval:  cfg.Sweep.Interval,
		BatchSize: cfg.Sweep.BatchSize,
	}, log)
	if err := scheduler.Run(ctx); err != nil {
		log.LogError(err, "Scheduler stopped with error")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Close(closeCtx); err != nil {
		log.LogError(err, "Failed to release resources")
	}
}
