package ursa

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// SerialPort is the minimal interface the driver needs from a serial port.
// The abstraction enables unit testing without detector hardware.
type SerialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens a serial port at the given path. Injected into the driver
// so tests can substitute an in-memory port.
type PortOpener func(path string, baud int) (SerialPort, error)

// OpenPort opens a real serial port in the instrument's 8N1 framing.
func OpenPort(path string, baud int) (SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return port, nil
}
