package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conversation-engine/backend/pkg/config"
	"conversation-engine/backend/pkg/di"
	"conversation-engine/backend/pkg/health"
	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/router"

	"golang.org/x/sync/errgroup"
)

const serviceName = "conversation-engine"

func main() {
	cfg := config.New()
	log := di.NewLogger(cfg, "server")
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.LogError(err, "Invalid configuration")
		os.Exit(1)
	}
	log.Info("Starting application", "version", cfg.Server.Version, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.New(ctx, serviceName, cfg, log)
	if err != nil {
		log.LogError(err, "Failed to initialize dependency container")
		os.Exit(1)
	}

	r := router.New(container)
	r.SetupRoutes()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.Timeout,
	}

	container.Health.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return health.ServeGRPC(gctx, ":"+cfg.Server.GRPCPort, container.Health, log)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.LogError(err, "Server stopped with error")
	}

	r.Close()
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Close(closeCtx); err != nil {
		log.LogError(err, "Failed to release resources")
	}
	log.Info("Server exited gracefully")
}
