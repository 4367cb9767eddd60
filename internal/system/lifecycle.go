package system

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/ursalabs/ursacore/internal/acquisition"
	"github.com/ursalabs/ursacore/internal/api/rest"
	"github.com/ursalabs/ursacore/internal/api/websocket"
	"github.com/ursalabs/ursacore/internal/config"
	"go.uber.org/zap"
)

// LifecycleManager wires the device, controller, telemetry hub and REST API
// together and owns startup/shutdown ordering. Configuration is applied and
// any immediate-mode start performed before the command endpoint is armed;
// on shutdown the command endpoint drains first, then acquisition stops and
// the high voltage is zeroed, then the serial link closes.
type LifecycleManager struct {
	config     *config.Config
	settings   *acquisition.Settings
	device     acquisition.Device
	controller *acquisition.Controller
	wsHub      *websocket.Hub
	restServer *rest.Server
	logger     *zap.Logger

	shutdownOnce sync.Once
}

func NewLifecycleManager(
	cfg *config.Config,
	settings *acquisition.Settings,
	device acquisition.Device,
	logger *zap.Logger,
) *LifecycleManager {
	wsHub := websocket.NewHub(logger)
	controller := acquisition.NewController(logger, device, wsHub, settings, cfg.Acquisition.SampleInterval)

	return &LifecycleManager{
		config:     cfg,
		settings:   settings,
		device:     device,
		controller: controller,
		wsHub:      wsHub,
		logger:     logger,
	}
}

// Controller returns the acquisition controller
func (lm *LifecycleManager) Controller() *acquisition.Controller {
	return lm.controller
}

// Start applies the instrument configuration and arms the external surfaces.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting URSA control service")

	go lm.wsHub.Run()

	lm.controller.ApplyConfiguration()

	if lm.settings.StartImmediately {
		lm.logger.Info("Immediate mode: starting acquisition")
		if err := lm.controller.ExecuteCommand(context.Background(), acquisition.CommandStart); err != nil {
			return err
		}
	}

	lm.restServer = rest.NewServer(lm.config, lm.controller, lm.logger, lm.wsHub)
	if err := lm.restServer.Start(); err != nil {
		return err
	}

	lm.logger.Info("Service started",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("mode", string(lm.settings.Mode)),
		zap.Duration("sample_interval", lm.config.Acquisition.SampleInterval))

	return nil
}

// Shutdown stops the command endpoint, then acquisition (zeroing the high
// voltage), then the device link. Safe to call more than once.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down URSA control service")

		if lm.restServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				lm.logger.Error("REST shutdown failed", zap.Error(err))
				shutdownErr = err
			}
		}

		// Acquisition must stop before the detector is de-energized, and
		// both must complete before the serial link goes away.
		lm.controller.Shutdown()

		if closer, ok := lm.device.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				lm.logger.Error("Device close failed", zap.Error(err))
				shutdownErr = err
			}
		}

		lm.logger.Info("Shutdown complete")
	})

	return shutdownErr
}
