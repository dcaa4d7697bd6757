package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dispatch/internal/app"
	"dispatch/internal/config"
	"dispatch/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("dispatch: %v", err)
		switch {
		case errors.Is(err, config.ErrMissingToken):
			os.Exit(config.ExitNoToken)
		case errors.Is(err, config.ErrBadPort):
			os.Exit(config.ExitBadPort)
		default:
			os.Exit(1)
		}
	}

	logger := logging.New(cfg.LogLevel, cfg.LogDir, cfg.RawLog)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("application stopped", "error", err)
		os.Exit(1)
	}
}
