package acquisition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Controller owns the acquisition state machine. It applies the validated
// settings to the device once at startup, dispatches the start/stop/clear
// commands, and drives the sampler while acquiring.
//
// Commands always succeed from the caller's point of view: device-level
// failures are logged, not surfaced.
type Controller struct {
	logger    *zap.Logger
	device    Device
	publisher Publisher
	settings  *Settings
	sampler   *Sampler

	// cmdMu serializes command execution. The REST layer dispatches on
	// concurrent goroutines; the command handlers and the sampler assume
	// one-at-a-time dispatch.
	cmdMu sync.Mutex

	mu              sync.RWMutex
	currentState    State
	lastStateChange time.Time
}

func NewController(
	logger *zap.Logger,
	device Device,
	publisher Publisher,
	settings *Settings,
	sampleInterval time.Duration,
) *Controller {
	c := &Controller{
		logger:          logger,
		device:          device,
		publisher:       publisher,
		settings:        settings,
		currentState:    StateIdle,
		lastStateChange: time.Now(),
	}
	c.sampler = NewSampler(sampleInterval, logger, c.sampleAndPublish)
	return c
}

// ApplyConfiguration pushes the validated settings to the device. High
// voltage goes last: ramping assumes every other setting is already in
// place. Device errors are logged and the remaining settings still applied.
//
// Must complete before any command is accepted.
func (c *Controller) ApplyConfiguration() {
	if c.settings.LoadPrevious {
		c.logger.Info("Loading previous instrument settings from device")
		if err := c.device.LoadPreviousSettings(); err != nil {
			c.logger.Error("Failed to load previous settings", zap.Error(err))
		}
		return
	}

	c.logger.Info("Applying instrument settings",
		zap.Float64("gain", c.settings.Gain),
		zap.Int("threshold", c.settings.ThresholdOffset),
		zap.Int("ramp_seconds", c.settings.RampTime),
		zap.Int("high_voltage", c.settings.HighVoltage))

	if err := c.device.SetGain(c.settings.Gain); err != nil {
		c.logger.Error("Failed to set gain", zap.Error(err))
	}
	if err := c.device.SetThresholdOffset(c.settings.ThresholdOffset); err != nil {
		c.logger.Error("Failed to set threshold offset", zap.Error(err))
	}
	if err := c.device.SetShapingTime(c.settings.ShapingTime); err != nil {
		c.logger.Error("Failed to set shaping time", zap.Error(err))
	}
	if err := c.device.SetInput(c.settings.InputPolarity); err != nil {
		c.logger.Error("Failed to set input polarity", zap.Error(err))
	}
	if err := c.device.SetRamp(c.settings.RampTime); err != nil {
		c.logger.Error("Failed to set ramp time", zap.Error(err))
	}
	if err := c.device.SetVoltage(c.settings.HighVoltage); err != nil {
		c.logger.Error("Failed to set high voltage", zap.Error(err))
	}
}

// ExecuteCommand handles acquisition commands. Commands run one at a time;
// a command arriving while another is in flight waits its turn.
func (c *Controller) ExecuteCommand(ctx context.Context, cmd Command) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.RLock()
	currentState := c.currentState
	c.mu.RUnlock()

	c.logger.Info("Acquisition command received",
		zap.String("command", string(cmd)),
		zap.String("current_state", string(currentState)))

	switch cmd {
	case CommandStart:
		return c.executeStart()
	case CommandStop:
		return c.executeStop()
	case CommandClearSpectra:
		return c.executeClearSpectra()
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *Controller) executeStart() error {
	c.mu.RLock()
	acquiring := c.currentState == StateAcquiring
	c.mu.RUnlock()

	if acquiring {
		// Already armed; restart the sampler in case it was stopped, but
		// do not re-arm the device.
		c.sampler.Start()
		return nil
	}

	if err := c.device.StartAcquisition(c.settings.Mode); err != nil {
		c.logger.Error("Device failed to start acquisition", zap.Error(err))
	}
	c.setState(StateAcquiring)
	c.sampler.Start()
	return nil
}

func (c *Controller) executeStop() error {
	// Sampler first so no cycle is started against a stopped device.
	c.sampler.Stop()
	if err := c.device.StopAcquisition(c.settings.Mode); err != nil {
		c.logger.Error("Device failed to stop acquisition", zap.Error(err))
	}
	c.setState(StateIdle)
	return nil
}

func (c *Controller) executeClearSpectra() error {
	if err := c.device.ClearSpectra(); err != nil {
		c.logger.Error("Device failed to clear spectra", zap.Error(err))
	}
	return nil
}

// Shutdown stops acquisition and then drops the high voltage to zero. The
// ordering is mandatory: the detector must not be de-energized while still
// acquiring. Runs on every exit path once configuration has been applied.
func (c *Controller) Shutdown() {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.executeStop()
	if err := c.device.SetVoltage(0); err != nil {
		c.logger.Error("Failed to zero high voltage on shutdown", zap.Error(err))
	}
	c.logger.Info("Acquisition controller shut down, high voltage zeroed")
}

func (c *Controller) sampleAndPublish() {
	now := time.Now()

	switch c.settings.Mode {
	case ModeCountRate:
		counts, err := c.device.RequestCounts()
		if err != nil {
			c.logger.Warn("Count request failed", zap.Error(err))
		}
		c.publisher.PublishCounts(CountSample{
			Timestamp:  now,
			FrameLabel: c.settings.DetectorFrame,
			Counts:     counts,
		})

	default:
		if err := c.device.Refresh(); err != nil {
			c.logger.Warn("Spectra refresh failed", zap.Error(err))
		}
		c.publisher.PublishSpectrum(SpectrumSample{
			Timestamp:  now,
			FrameLabel: c.settings.DetectorFrame,
			Bins:       c.device.Spectra(),
		})
	}
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	previous := c.currentState
	if state == previous {
		c.mu.Unlock()
		return
	}
	c.currentState = state
	c.lastStateChange = time.Now()
	c.mu.Unlock()

	c.logger.Info("Acquisition state changed",
		zap.String("state", string(state)),
		zap.String("previous_state", string(previous)))

	if c.publisher != nil {
		c.publisher.PublishState(state, previous)
	}
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentState
}

func (c *Controller) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Status{
		State:           c.currentState,
		Mode:            c.settings.Mode,
		DetectorFrame:   c.settings.DetectorFrame,
		BatteryVolts:    c.device.BatteryVolts(),
		LastStateChange: c.lastStateChange,
	}
}
