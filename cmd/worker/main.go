package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conversation-engine/backend/internal/queue"
	"conversation-engine/backend/pkg/config"
	"conversation-engine/backend/pkg/di"
	"conversation-engine/backend/pkg/health"
	"conversation-engine/backend/pkg/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.New()
	log := di.NewLogger(cfg, "worker")
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.LogError(err, "Invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.New(ctx, "conversation-engine-worker", cfg, log)
	if err != nil {
		log.LogError(err, "Failed to initialize dependency container")
		os.Exit(1)
	}

	consumer := queue.NewConsumer(container.Queue, di.ConsumerConfig(cfg), log, container.Metrics)
	container.Sweeper.Register(consumer)
	if container.Followups != nil {
		container.Followups.Register(consumer)
	} else {
		log.Warn("follow-up handlers disabled, response generator or gateway not configured")
	}

	container.Health.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		return health.ServeGRPC(gctx, ":"+cfg.Server.GRPCPort, container.Health, log)
	})

	if err := g.Wait(); err != nil {
		log.LogError(err, "Worker stopped with error")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Close(closeCtx); err != nil {
		log.LogError(err, "Failed to release resources")
	}
	log.Info("Worker exited")
}
