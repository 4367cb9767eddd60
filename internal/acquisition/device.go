package acquisition

import "time"

// Device is the command/telemetry link to the detector hardware. Calls are
// synchronous and block for the duration of the serial exchange; the
// controller owns the single instance and never calls it concurrently with
// itself. Errors are the device layer's concern: the controller logs them and
// carries on.
type Device interface {
	// LoadPreviousSettings tells the instrument to reload its last applied
	// settings from EEPROM instead of receiving new ones.
	LoadPreviousSettings() error

	SetGain(gain float64) error
	SetThresholdOffset(millivolts int) error
	SetShapingTime(t ShapingTime) error
	SetInput(input InputPolarity) error
	SetRamp(seconds int) error
	SetVoltage(volts int) error

	StartAcquisition(mode Mode) error
	StopAcquisition(mode Mode) error
	ClearSpectra() error

	// RequestCounts returns the number of counts since the previous call.
	// Count-rate mode only.
	RequestCounts() (uint32, error)

	// Refresh drains pending acquisition data from the link into the
	// accumulated spectrum. Spectra mode only.
	Refresh() error

	// Spectra returns a copy of the accumulated histogram bins.
	Spectra() []uint32

	// BatteryVolts returns the last battery voltage seen on the link, or
	// zero if none has been decoded yet.
	BatteryVolts() float64
}

// CountSample is one count-rate measurement.
type CountSample struct {
	Timestamp  time.Time
	FrameLabel string
	Counts     uint32
}

// SpectrumSample is one full histogram snapshot.
type SpectrumSample struct {
	Timestamp  time.Time
	FrameLabel string
	Bins       []uint32
}

// Publisher delivers samples and state changes outward. The websocket hub
// implements it.
type Publisher interface {
	PublishCounts(sample CountSample)
	PublishSpectrum(sample SpectrumSample)
	PublishState(current, previous State)
}
