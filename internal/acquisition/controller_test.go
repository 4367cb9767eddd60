package acquisition

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDevice records every call in order.
type fakeDevice struct {
	mu     sync.Mutex
	calls  []string
	counts uint32
	bins   []uint32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{bins: make([]uint32, 8)}
}

func (d *fakeDevice) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDevice) callLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *fakeDevice) countCalls(name string) int {
	n := 0
	for _, c := range d.callLog() {
		if c == name {
			n++
		}
	}
	return n
}

func (d *fakeDevice) LoadPreviousSettings() error { d.record("LoadPreviousSettings"); return nil }
func (d *fakeDevice) SetGain(g float64) error     { d.record("SetGain"); return nil }
func (d *fakeDevice) SetThresholdOffset(mv int) error {
	d.record("SetThresholdOffset")
	return nil
}
func (d *fakeDevice) SetShapingTime(t ShapingTime) error { d.record("SetShapingTime"); return nil }
func (d *fakeDevice) SetInput(in InputPolarity) error    { d.record("SetInput"); return nil }
func (d *fakeDevice) SetRamp(s int) error                { d.record("SetRamp"); return nil }
func (d *fakeDevice) SetVoltage(v int) error {
	d.record(fmt.Sprintf("SetVoltage(%d)", v))
	return nil
}
func (d *fakeDevice) StartAcquisition(m Mode) error { d.record("StartAcquisition"); return nil }
func (d *fakeDevice) StopAcquisition(m Mode) error  { d.record("StopAcquisition"); return nil }
func (d *fakeDevice) ClearSpectra() error           { d.record("ClearSpectra"); return nil }
func (d *fakeDevice) RequestCounts() (uint32, error) {
	d.record("RequestCounts")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts += 7
	return d.counts, nil
}
func (d *fakeDevice) Refresh() error        { d.record("Refresh"); return nil }
func (d *fakeDevice) BatteryVolts() float64 { return 7.2 }
func (d *fakeDevice) Spectra() []uint32 {
	d.record("Spectra")
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint32, len(d.bins))
	copy(out, d.bins)
	return out
}

// fakePublisher collects everything published.
type fakePublisher struct {
	mu        sync.Mutex
	counts    []CountSample
	spectra   []SpectrumSample
	states    []State
	prevState []State
}

func (p *fakePublisher) PublishCounts(s CountSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts = append(p.counts, s)
}

func (p *fakePublisher) PublishSpectrum(s SpectrumSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spectra = append(p.spectra, s)
}

func (p *fakePublisher) PublishState(current, previous State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, current)
	p.prevState = append(p.prevState, previous)
}

func (p *fakePublisher) spectrumCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.spectra)
}

func (p *fakePublisher) countCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.counts)
}

func spectraSettings() *Settings {
	return &Settings{
		HighVoltage:     800,
		Gain:            1.0,
		ThresholdOffset: 100,
		ShapingTime:     Shaping1us,
		InputPolarity:   Input1Negative,
		RampTime:        6,
		Mode:            ModeSpectra,
		DetectorFrame:   "rad_link",
	}
}

func newTestController(settings *Settings) (*Controller, *fakeDevice, *fakePublisher) {
	device := newFakeDevice()
	publisher := &fakePublisher{}
	c := NewController(zap.NewNop(), device, publisher, settings, 10*time.Millisecond)
	return c, device, publisher
}

func TestApplyConfigurationOrder(t *testing.T) {
	c, device, _ := newTestController(spectraSettings())

	c.ApplyConfiguration()

	// High voltage last: ramping assumes all other settings are in place.
	assert.Equal(t, []string{
		"SetGain",
		"SetThresholdOffset",
		"SetShapingTime",
		"SetInput",
		"SetRamp",
		"SetVoltage(800)",
	}, device.callLog())
}

func TestApplyConfigurationLoadPrevious(t *testing.T) {
	settings := &Settings{LoadPrevious: true, Mode: ModeSpectra, DetectorFrame: "rad_link"}
	c, device, _ := newTestController(settings)

	c.ApplyConfiguration()

	assert.Equal(t, []string{"LoadPreviousSettings"}, device.callLog())
}

func TestStartTransitionsAndSamples(t *testing.T) {
	c, device, publisher := newTestController(spectraSettings())
	defer c.Shutdown()

	require.Equal(t, StateIdle, c.State())

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStart))
	assert.Equal(t, StateAcquiring, c.State())
	assert.Equal(t, 1, device.countCalls("StartAcquisition"))

	require.Eventually(t, func() bool {
		return publisher.spectrumCount() >= 2
	}, time.Second, 5*time.Millisecond, "expected periodic spectrum samples")

	publisher.mu.Lock()
	sample := publisher.spectra[0]
	publisher.mu.Unlock()
	assert.Equal(t, "rad_link", sample.FrameLabel)
	assert.False(t, sample.Timestamp.IsZero())
	assert.Len(t, sample.Bins, 8)
}

func TestStopHaltsSampling(t *testing.T) {
	c, device, publisher := newTestController(spectraSettings())

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStart))
	require.Eventually(t, func() bool {
		return publisher.spectrumCount() >= 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStop))
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 1, device.countCalls("StopAcquisition"))

	emitted := publisher.spectrumCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, emitted, publisher.spectrumCount(), "no samples after stop")
}

func TestStartWhileAcquiringDoesNotRearmDevice(t *testing.T) {
	c, device, _ := newTestController(spectraSettings())
	defer c.Shutdown()

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStart))
	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStart))

	assert.Equal(t, StateAcquiring, c.State())
	assert.Equal(t, 1, device.countCalls("StartAcquisition"))
}

func TestStopIdempotentFromIdle(t *testing.T) {
	c, _, publisher := newTestController(spectraSettings())

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStop))
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStop))
	assert.Equal(t, StateIdle, c.State())

	// Stopping while already idle must not broadcast a state change.
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	assert.Empty(t, publisher.states)
}

func TestClearSpectraLeavesStateUnchanged(t *testing.T) {
	c, device, _ := newTestController(spectraSettings())
	defer c.Shutdown()

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandClearSpectra))
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStart))
	require.NoError(t, c.ExecuteCommand(context.Background(), CommandClearSpectra))
	assert.Equal(t, StateAcquiring, c.State())

	assert.Equal(t, 2, device.countCalls("ClearSpectra"))
}

func TestShutdownStopsBeforeZeroingVoltage(t *testing.T) {
	c, device, _ := newTestController(spectraSettings())

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStart))
	c.Shutdown()

	assert.Equal(t, StateIdle, c.State())

	calls := device.callLog()
	stopIdx, voltIdx := -1, -1
	for i, call := range calls {
		if call == "StopAcquisition" {
			stopIdx = i
		}
		if call == "SetVoltage(0)" {
			voltIdx = i
		}
	}
	require.GreaterOrEqual(t, stopIdx, 0, "StopAcquisition not called")
	require.GreaterOrEqual(t, voltIdx, 0, "SetVoltage(0) not called")
	assert.Less(t, stopIdx, voltIdx, "acquisition must stop before the high voltage drops")
}

func TestCountRateModePublishesCounts(t *testing.T) {
	settings := spectraSettings()
	settings.Mode = ModeCountRate
	settings.DetectorFrame = "gm_probe"
	c, _, publisher := newTestController(settings)
	defer c.Shutdown()

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStart))

	require.Eventually(t, func() bool {
		return publisher.countCount() >= 2
	}, time.Second, 5*time.Millisecond, "expected periodic count samples")

	publisher.mu.Lock()
	first := publisher.counts[0]
	publisher.mu.Unlock()
	assert.Equal(t, "gm_probe", first.FrameLabel)
	assert.Equal(t, uint32(7), first.Counts)
	assert.Zero(t, publisher.spectrumCount(), "no spectra in count-rate mode")
}

func TestStateChangesArePublished(t *testing.T) {
	c, _, publisher := newTestController(spectraSettings())

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStart))
	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStop))

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.Len(t, publisher.states, 2)
	assert.Equal(t, StateAcquiring, publisher.states[0])
	assert.Equal(t, StateIdle, publisher.prevState[0])
	assert.Equal(t, StateIdle, publisher.states[1])
	assert.Equal(t, StateAcquiring, publisher.prevState[1])
}

func TestConcurrentStartStopCommands(t *testing.T) {
	// Commands arrive on concurrent HTTP goroutines; execution must stay
	// serialized or the sampler's stop/start handshake corrupts.
	c, _, _ := newTestController(spectraSettings())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, c.ExecuteCommand(context.Background(), CommandStart))
				assert.NoError(t, c.ExecuteCommand(context.Background(), CommandStop))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStop))
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.sampler.IsRunning())
}

func TestUnknownCommand(t *testing.T) {
	c, _, _ := newTestController(spectraSettings())

	err := c.ExecuteCommand(context.Background(), Command("reboot"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestGetStatus(t *testing.T) {
	c, _, _ := newTestController(spectraSettings())
	defer c.Shutdown()

	status := c.GetStatus()
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, ModeSpectra, status.Mode)
	assert.Equal(t, "rad_link", status.DetectorFrame)
	assert.Equal(t, 7.2, status.BatteryVolts)

	require.NoError(t, c.ExecuteCommand(context.Background(), CommandStart))
	assert.Equal(t, StateAcquiring, c.GetStatus().State)
}
