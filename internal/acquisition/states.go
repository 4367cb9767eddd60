package acquisition

import "time"

type State string

const (
	StateIdle      State = "idle"
	StateAcquiring State = "acquiring"
)

type Command string

const (
	CommandStart        Command = "start"
	CommandStop         Command = "stop"
	CommandClearSpectra Command = "clear_spectra"
)

type Status struct {
	State           State     `json:"state"`
	Mode            Mode      `json:"mode"`
	DetectorFrame   string    `json:"detector_frame"`
	BatteryVolts    float64   `json:"battery_volts"`
	LastStateChange time.Time `json:"last_state_change"`
}
