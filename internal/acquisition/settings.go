package acquisition

import (
	"fmt"

	"github.com/spf13/cast"
)

// Mode selects what the detector reports: full spectra or scalar count rates
// (Geiger-Mueller mode). It is fixed for the lifetime of the process.
type Mode string

const (
	ModeSpectra   Mode = "spectra"
	ModeCountRate Mode = "counts"
)

// ShapingTime is the analog pulse shaping time constant. The values are the
// wire digits the instrument expects.
type ShapingTime int

const (
	Shaping0_25us ShapingTime = iota // 0.25 µs
	Shaping0_5us                     // 0.5 µs
	Shaping1us                       // 1 µs
	Shaping2us                       // 2 µs
	Shaping4us                       // 4 µs
	Shaping6us                       // 6 µs
	Shaping8us                       // 8 µs
	Shaping10us                      // 10 µs
)

// InputPolarity selects the physical input channel and signal polarity.
// The values are the wire digits the instrument expects.
type InputPolarity int

const (
	Input1Negative InputPolarity = iota
	Input1Positive
	Input2Negative
	Input2Positive
	ShapedInput // pre-shaped pulse on either input
)

// shapingTimes maps the configured shaping time in microseconds to its enum.
// Lookup is by exact equality: a config source that rounds 0.25 to
// 0.25000001 is rejected rather than silently matched.
var shapingTimes = map[float64]ShapingTime{
	0.25: Shaping0_25us,
	0.5:  Shaping0_5us,
	1:    Shaping1us,
	2:    Shaping2us,
	4:    Shaping4us,
	6:    Shaping6us,
	8:    Shaping8us,
	10:   Shaping10us,
}

// inputPolarities maps the configured input string to its enum. The
// instrument's historical table maps "input2_positive" to Input1Positive;
// that mapping is kept as-is, so Input2Positive is not reachable from
// configuration.
var inputPolarities = map[string]InputPolarity{
	"input1_negative": Input1Negative,
	"input1_positive": Input1Positive,
	"input2_negative": Input2Negative,
	"input2_positive": Input1Positive,
	"shaped_input":    ShapedInput,
}

type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameter: %s", e.Name)
}

type InvalidShapingTimeError struct {
	Value float64
}

func (e *InvalidShapingTimeError) Error() string {
	return fmt.Sprintf("invalid shaping time %v: must be one of 0.25, 0.5, 1, 2, 4, 6, 8, 10 microseconds", e.Value)
}

type InvalidInputPolarityError struct {
	Value string
}

func (e *InvalidInputPolarityError) Error() string {
	return fmt.Sprintf("invalid input and polarity %q: must be input1_negative, input1_positive, input2_negative, input2_positive or shaped_input", e.Value)
}

// Settings is the validated instrument configuration. It is immutable once
// built; the instrument fields are only meaningful when LoadPrevious is false.
type Settings struct {
	Port string
	Baud int

	LoadPrevious bool

	HighVoltage     int
	Gain            float64
	ThresholdOffset int
	ShapingTime     ShapingTime
	InputPolarity   InputPolarity
	RampTime        int

	Mode             Mode
	StartImmediately bool
	DetectorFrame    string
}

const (
	DefaultPort          = "/dev/ttyUSB0"
	DefaultBaud          = 115200
	DefaultDetectorFrame = "rad_link"
)

// ParseSettings validates a raw key/value parameter set into Settings.
//
// Unless load_previous_settings is set, the instrument parameters are
// required and checked fail-fast in a fixed order: the first missing one
// aborts validation with a MissingParameterError. Shaping time and input
// polarity are then matched against their fixed tables.
func ParseSettings(params map[string]any) (*Settings, error) {
	s := &Settings{}

	if v, ok := params["load_previous_settings"]; ok {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return nil, fmt.Errorf("load_previous_settings: %w", err)
		}
		s.LoadPrevious = b
	}

	if !s.LoadPrevious {
		v, ok := params["high_voltage"]
		if !ok {
			return nil, &MissingParameterError{Name: "high_voltage"}
		}
		hv, err := cast.ToIntE(v)
		if err != nil {
			return nil, fmt.Errorf("high_voltage: %w", err)
		}
		s.HighVoltage = hv

		v, ok = params["gain"]
		if !ok {
			return nil, &MissingParameterError{Name: "gain"}
		}
		gain, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, fmt.Errorf("gain: %w", err)
		}
		s.Gain = gain

		v, ok = params["threshold"]
		if !ok {
			return nil, &MissingParameterError{Name: "threshold"}
		}
		threshold, err := cast.ToIntE(v)
		if err != nil {
			return nil, fmt.Errorf("threshold: %w", err)
		}
		s.ThresholdOffset = threshold

		v, ok = params["shaping_time"]
		if !ok {
			return nil, &MissingParameterError{Name: "shaping_time"}
		}
		shaping, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, fmt.Errorf("shaping_time: %w", err)
		}

		v, ok = params["input_and_polarity"]
		if !ok {
			return nil, &MissingParameterError{Name: "input_and_polarity"}
		}
		polarity, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("input_and_polarity: %w", err)
		}

		v, ok = params["ramping_time"]
		if !ok {
			return nil, &MissingParameterError{Name: "ramping_time"}
		}
		ramp, err := cast.ToIntE(v)
		if err != nil {
			return nil, fmt.Errorf("ramping_time: %w", err)
		}
		s.RampTime = ramp

		st, ok := shapingTimes[shaping]
		if !ok {
			return nil, &InvalidShapingTimeError{Value: shaping}
		}
		s.ShapingTime = st

		in, ok := inputPolarities[polarity]
		if !ok {
			return nil, &InvalidInputPolarityError{Value: polarity}
		}
		s.InputPolarity = in
	}

	s.Port = DefaultPort
	if v, ok := params["port"]; ok {
		port, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("port: %w", err)
		}
		s.Port = port
	}

	s.Baud = DefaultBaud
	if v, ok := params["baud"]; ok {
		baud, err := cast.ToIntE(v)
		if err != nil {
			return nil, fmt.Errorf("baud: %w", err)
		}
		s.Baud = baud
	}

	s.Mode = ModeSpectra
	// viper lowercases keys, so accept both spellings of the GM flag.
	v, ok := params["use_GM_mode"]
	if !ok {
		v, ok = params["use_gm_mode"]
	}
	if ok {
		gm, err := cast.ToBoolE(v)
		if err != nil {
			return nil, fmt.Errorf("use_GM_mode: %w", err)
		}
		if gm {
			s.Mode = ModeCountRate
		}
	}

	// "imeadiate" is the parameter name the instrument configs have always
	// used; keeping the misspelling avoids breaking existing deployments.
	if v, ok := params["imeadiate_mode"]; ok {
		im, err := cast.ToBoolE(v)
		if err != nil {
			return nil, fmt.Errorf("imeadiate_mode: %w", err)
		}
		s.StartImmediately = im
	}

	s.DetectorFrame = DefaultDetectorFrame
	if v, ok := params["detector_frame"]; ok {
		frame, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("detector_frame: %w", err)
		}
		s.DetectorFrame = frame
	}

	return s, nil
}
