package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/coldbell/pricecaster/relayer/internal/config"
	"github.com/coldbell/pricecaster/relayer/internal/logging"
	"github.com/coldbell/pricecaster/relayer/internal/relayer"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadRelayerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("relayer", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := relayer.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize relayer", "err", err)
		os.Exit(1)
	}

	runErr := engine.Run(ctx)
	if closeErr := engine.Close(); closeErr != nil {
		logger.Error("failed to close relayer", "err", closeErr)
	}
	if runErr != nil {
		logger.Error("relayer exited with error", "err", runErr)
		os.Exit(1)
	}
}
