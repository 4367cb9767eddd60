package ursa

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/ursalabs/ursacore/internal/acquisition"
	"go.uber.org/zap"
)

const (
	maxLineLength = 64

	// The instrument needs a short settle time after every command.
	defaultWriteDelay = 100 * time.Millisecond

	readTimeout = 1 * time.Second

	connectRetries = 5
)

// Driver implements acquisition.Device over the URSA's ASCII serial
// protocol. One instance owns one serial link; all methods are serialized by
// an internal mutex.
type Driver struct {
	path   string
	baud   int
	logger *zap.Logger
	open   PortOpener

	writeDelay time.Duration

	mu         sync.Mutex
	port       SerialPort
	connected  bool
	responsive bool
	acquiring  bool
	gmMode     bool
	ramp       int // seconds per 100 volts
	voltage    int
	battVolts  float64
	rx         []byte

	binsMu sync.Mutex
	bins   [spectrumBins]uint32
}

func NewDriver(path string, baud int, logger *zap.Logger) *Driver {
	return &Driver{
		path:       path,
		baud:       baud,
		logger:     logger,
		open:       OpenPort,
		writeDelay: defaultWriteDelay,
		ramp:       6,
	}
}

// Connect opens the serial port and verifies the instrument answers the
// identify command. Failure here is startup-fatal for the caller.
func (d *Driver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < connectRetries && !d.connected; i++ {
		port, err := d.open(d.path, d.baud)
		if err != nil {
			d.logger.Warn("Unable to open serial port",
				zap.String("port", d.path),
				zap.Error(err))
			continue
		}
		port.SetReadTimeout(readTimeout)
		d.port = port
		d.connected = true
	}
	if !d.connected {
		return fmt.Errorf("unable to open serial port %s after %d attempts", d.path, connectRetries)
	}

	d.stopAcquire()

	for i := 0; i < connectRetries; i++ {
		if d.checkComms() {
			d.responsive = true
			d.logger.Info("URSA connected", zap.String("port", d.path))
			return nil
		}
		d.logger.Warn("URSA not responding", zap.String("port", d.path))
	}
	return fmt.Errorf("unable to communicate with URSA on %s", d.path)
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	// Last-resort drop if the ramped zeroing did not run: 'v' kills the
	// high voltage immediately and is not stored to EEPROM.
	if d.voltage > 0 {
		if err := d.stopVoltage(); err != nil {
			d.logger.Error("Emergency voltage stop failed", zap.Error(err))
		}
		d.voltage = 0
	}

	err := d.port.Close()
	d.connected = false
	d.port = nil
	return err
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected && d.responsive
}

// checkComms sends the identify command; the instrument answers "URSA2".
func (d *Driver) checkComms() bool {
	d.stopAcquire()
	d.writeCommand([]byte{'U'})
	return d.readLine() == "URSA2"
}

// writeCommand writes raw command bytes and waits the settle delay.
func (d *Driver) writeCommand(cmd []byte) error {
	n, err := d.port.Write(cmd)
	if err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	if n < len(cmd) {
		return fmt.Errorf("serial write timeout, %d bytes written of %d", n, len(cmd))
	}
	if d.writeDelay > 0 {
		time.Sleep(d.writeDelay)
	}
	return nil
}

// readLine reads one response, trimmed of framing whitespace.
func (d *Driver) readLine() string {
	buf := make([]byte, maxLineLength)
	n, err := d.port.Read(buf)
	if err != nil || n == 0 {
		return ""
	}
	start, end := 0, n
	for start < end && isSpace(buf[start]) {
		start++
	}
	for end > start && isSpace(buf[end-1]) {
		end--
	}
	return string(buf[start:end])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\r' || b == '\n' || b == '\t' || b == 0
}

// drain reads whatever is pending on the link and returns the byte count.
func (d *Driver) drain() int {
	total := 0
	d.port.SetReadTimeout(10 * time.Millisecond)
	defer d.port.SetReadTimeout(readTimeout)
	for {
		buf := make([]byte, 128)
		n, err := d.port.Read(buf)
		if n > 0 {
			total += n
		}
		if err != nil || n == 0 {
			return total
		}
	}
}

// stopAcquire keeps sending the stop command until the instrument goes
// quiet, mirroring the hardware's recommended stop sequence.
func (d *Driver) stopAcquire() {
	for {
		d.drain()
		d.writeCommand([]byte{'R'})
		time.Sleep(500 * time.Microsecond)
		if d.drain() == 0 {
			break
		}
	}
	d.acquiring = false
}

func (d *Driver) startAcquire() {
	if d.acquiring {
		d.logger.Warn("Already acquiring")
		return
	}
	d.writeCommand([]byte{'G'})
	d.acquiring = true
}

func (d *Driver) StartAcquisition(mode acquisition.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if mode == acquisition.ModeCountRate && !d.gmMode {
		if d.acquiring {
			d.logger.Warn("Already acquiring")
			return nil
		}
		if err := d.writeCommand([]byte{'J'}); err != nil {
			return err
		}
		d.gmMode = true
	}
	d.startAcquire()
	return nil
}

func (d *Driver) StopAcquisition(mode acquisition.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopAcquire()
	if mode == acquisition.ModeCountRate && d.gmMode {
		if err := d.writeCommand([]byte{'j'}); err != nil {
			return err
		}
		d.gmMode = false
	}
	return nil
}

// RequestCounts returns the counts accumulated since the previous request.
// Only valid in GM mode while acquiring.
func (d *Driver) RequestCounts() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.gmMode || !d.acquiring {
		return 0, fmt.Errorf("not acquiring in GM mode")
	}

	if err := d.writeCommand([]byte{'c'}); err != nil {
		return 0, err
	}

	buf := make([]byte, 4)
	total := 0
	for total < 4 {
		n, err := d.port.Read(buf[total:])
		if err != nil {
			return 0, fmt.Errorf("count read failed: %w", err)
		}
		if n == 0 {
			return 0, fmt.Errorf("short count response: %d of 4 bytes", total)
		}
		total += n
	}

	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

// Refresh drains pending acquisition frames from the link into the
// accumulated spectrum and battery reading.
func (d *Driver) Refresh() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.port.SetReadTimeout(10 * time.Millisecond)
	defer d.port.SetReadTimeout(readTimeout)
	for {
		buf := make([]byte, 128)
		n, err := d.port.Read(buf)
		if n > 0 {
			d.rx = append(d.rx, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}

	frames, rest, dropped := decodeFrames(d.rx)
	d.rx = rest
	if dropped > 0 {
		d.logger.Warn("Dropped unsynchronized bytes from acquisition stream",
			zap.Int("bytes", dropped))
	}

	d.binsMu.Lock()
	for _, f := range frames {
		if f.Battery {
			d.battVolts = batteryVolts(f.Value)
			continue
		}
		d.bins[f.Value] += uint32(f.Count)
	}
	d.binsMu.Unlock()

	return nil
}

// Spectra returns a copy of the accumulated histogram.
func (d *Driver) Spectra() []uint32 {
	d.binsMu.Lock()
	defer d.binsMu.Unlock()

	out := make([]uint32, spectrumBins)
	copy(out, d.bins[:])
	return out
}

func (d *Driver) ClearSpectra() error {
	d.binsMu.Lock()
	defer d.binsMu.Unlock()

	d.bins = [spectrumBins]uint32{}
	return nil
}

// BatteryVolts returns the last battery voltage decoded from the stream.
func (d *Driver) BatteryVolts() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.battVolts
}

// LoadPreviousSettings tells the instrument to restore its EEPROM settings.
// This ramps the high voltage, so it blocks until the instrument answers
// again.
func (d *Driver) LoadPreviousSettings() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.acquiring {
		return fmt.Errorf("cannot load settings while acquiring")
	}
	if err := d.writeCommand([]byte{'r'}); err != nil {
		return err
	}
	d.waitForRamp(0)
	return nil
}

// waitForRamp blocks until the instrument becomes responsive again after a
// high-voltage change. While ramping the instrument answers nothing; a
// battery request is used as the probe.
func (d *Driver) waitForRamp(approxSeconds int) {
	for i := 0; ; i++ {
		buf := make([]byte, maxLineLength)
		n, err := d.port.Read(buf)
		if n > 0 || err != nil {
			return
		}
		d.writeCommand([]byte{'B'})
		d.logger.Info("Ramping high voltage",
			zap.Int("approx_seconds_remaining", approxSeconds-i))
	}
}

func (d *Driver) setNoSave() error {
	return d.writeCommand([]byte{'d'})
}

// SetVoltage ramps the high voltage to the given value. Zero is sent with
// the no-save flag so a shutdown does not overwrite the stored setpoint.
func (d *Driver) SetVoltage(volts int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setVoltage(volts)
}

func (d *Driver) setVoltage(volts int) error {
	if d.acquiring || volts < 0 || volts > 2000 {
		return fmt.Errorf("voltage must be 0..2000 volts and the instrument must not be acquiring")
	}

	if volts == 0 {
		if err := d.setNoSave(); err != nil {
			return err
		}
	}

	out := uint16(math.Round(float64(volts) / 2000 * 65532))
	if err := d.writeCommand([]byte{'V', byte(out >> 8), byte(out & 0xff)}); err != nil {
		return err
	}

	delta := volts - d.voltage
	if delta < 0 {
		delta = -delta
	}
	seconds := int(float64(d.ramp*delta/100)/1.1) - 1

	d.waitForRamp(seconds)
	d.voltage = volts
	return nil
}

// SetGain sets the MCA gain, split into the instrument's coarse range and an
// 8-bit fine value.
func (d *Driver) SetGain(gain float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.acquiring {
		return fmt.Errorf("cannot change gain while acquiring")
	}

	var coarse byte
	var fine uint8
	switch {
	case gain < 2:
		coarse, fine = '0', uint8(math.Round(gain/2*256-1))
	case gain < 4:
		coarse, fine = '1', uint8(math.Round(gain/4*256-1))
	case gain < 15:
		coarse, fine = '2', uint8(math.Round(gain/15*256-1))
	case gain < 35:
		coarse, fine = '3', uint8(math.Round(gain/35*256-1))
	case gain < 125:
		coarse, fine = '4', uint8(math.Round(gain/125*256-1))
	case gain < 250:
		coarse, fine = '5', uint8(math.Round(gain/250*256-1))
	default:
		return fmt.Errorf("gain must be below 250x")
	}

	d.logger.Info("Setting gain",
		zap.Float64("gain", gain),
		zap.Float64("fine", (float64(fine)+1)/256))

	return d.writeCommand([]byte{'C', coarse, 'F', fine})
}

// SetInput selects the input channel and polarity. The high voltage is
// dropped to zero first; the instrument requires it.
func (d *Driver) SetInput(input acquisition.InputPolarity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.acquiring {
		return fmt.Errorf("cannot switch inputs while acquiring")
	}
	if err := d.setVoltage(0); err != nil {
		return err
	}
	return d.writeCommand(append([]byte{'I'}, strconv.Itoa(int(input))...))
}

func (d *Driver) SetShapingTime(t acquisition.ShapingTime) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.acquiring {
		return fmt.Errorf("cannot change shaping time while acquiring")
	}
	return d.writeCommand(append([]byte{'S'}, strconv.Itoa(int(t))...))
}

// SetThresholdOffset sets the trigger threshold in millivolts; the offset is
// derived from it with a 100 mV floor.
func (d *Driver) SetThresholdOffset(millivolts int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.acquiring || millivolts < 25 || millivolts > 1023 {
		return fmt.Errorf("threshold must be 25..1023 mV and the instrument must not be acquiring")
	}

	const minOffset = 50
	thresh := uint16(millivolts * 2)
	offset := uint16(minOffset * 2)
	if millivolts > minOffset*2 {
		offset = uint16(millivolts)
	}

	return d.writeCommand([]byte{
		'T',
		byte((thresh >> 4) & 0xff),
		byte(((thresh & 0x0f) << 4) | ((offset >> 8) & 0x0f)),
		byte(offset & 0xff),
	})
}

// SetRamp sets the high-voltage ramp rate in seconds per 100 volts.
func (d *Driver) SetRamp(seconds int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.acquiring || seconds < 6 || seconds > 219 {
		return fmt.Errorf("ramp must be 6..219 seconds and the instrument must not be acquiring")
	}

	d.ramp = seconds
	out := uint16(math.Round(float64(seconds)*303.45 - 1197))
	if out > 16383 {
		out = 16383
	}
	return d.writeCommand([]byte{'P', byte(out >> 8), byte(out & 0xff)})
}

// stopVoltage immediately drops the high voltage without ramping.
func (d *Driver) stopVoltage() error {
	return d.writeCommand([]byte{'v'})
}
