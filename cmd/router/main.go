package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"pttrouter/config"
	"pttrouter/internal/app"
	"pttrouter/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()

	logInstance := logger.New(logger.DevelopmentMode)
	logger.SetGlobalLogger(logInstance)
	if cfg.Mode == config.ReleaseMode {
		logInstance = logger.New(logger.ProductionMode)
		logger.SetGlobalLogger(logInstance)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logInstance.Logger)
	if err != nil {
		log.Fatalf("failed to construct app: %v", err)
	}

	if err := a.Run(ctx); err != nil {
		log.Fatalf("router exited with error: %v", err)
	}
}
