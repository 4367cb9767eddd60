package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ursalabs/ursacore/internal/acquisition"
	"github.com/ursalabs/ursacore/internal/config"
	"github.com/ursalabs/ursacore/internal/system"
	"github.com/ursalabs/ursacore/internal/ursa"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Config loaded successfully")

	settings, err := acquisition.ParseSettings(cfg.Instrument)
	if err != nil {
		logger.Fatal("Invalid instrument configuration", zap.Error(err))
	}

	driver := ursa.NewDriver(settings.Port, settings.Baud, logger)
	if err := driver.Connect(); err != nil {
		logger.Fatal("Failed to connect to URSA", zap.Error(err))
	}

	lifecycle := system.NewLifecycleManager(cfg, settings, driver, logger)

	if err := lifecycle.Start(); err != nil {
		logger.Error("Failed to start service", zap.Error(err))
		// The detector may already be energized; run the full shutdown
		// sequence before exiting.
		lifecycle.Shutdown(context.Background())
		os.Exit(1)
	}

	logger.Info("URSA control service started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	ctx := context.Background()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("URSA control service stopped successfully")
}
