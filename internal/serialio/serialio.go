// Package serialio wraps github.com/albenik/go-serial/v2 behind a
// small deadline-aware port type for adapters that talk to their
// device over RS-232/RS-485 (e.g. adapter/powersupply's Modbus-RTU
// link).
//
// Grounded on the pack's pnousiai-wl2k-go go.mod (wires
// albenik/go-serial/v2 for radio-modem framing) and the structural
// shape of Daedaluz-goserial's port wrapper
// (other_examples/6eb3d6bd_...go.go), generalized from raw termios
// ioctls to "open, configure baud/parity, read/write with a deadline."
package serialio

import (
	"time"

	serial "github.com/albenik/go-serial/v2"
)

// Parity mirrors serial.Parity so callers of this package never import
// the underlying library directly.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

func (p Parity) toLib() serial.Parity {
	switch p {
	case ParityOdd:
		return serial.OddParity
	case ParityEven:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

// Config configures a serial Port.
type Config struct {
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	Parity   Parity

	// ReadTimeout bounds a single Read call; zero blocks until at
	// least one byte arrives or the port is closed.
	ReadTimeout time.Duration
}

// Port wraps an open serial port. All methods are safe to call from a
// single owner goroutine only — matching the Adapter contract's "only
// the worker goroutine touches the device."
type Port struct {
	port *serial.Port
}

// Open opens and configures a serial port per cfg.
func Open(cfg Config) (*Port, error) {
	stopBits := serial.OneStopBit
	if cfg.StopBits == 2 {
		stopBits = serial.TwoStopBits
	}

	opts := []serial.Option{
		serial.WithBaudrate(cfg.BaudRate),
		serial.WithDataBits(cfg.DataBits),
		serial.WithParity(cfg.Parity.toLib()),
		serial.WithStopBits(stopBits),
	}
	if cfg.ReadTimeout > 0 {
		opts = append(opts, serial.WithReadTimeout(int(cfg.ReadTimeout.Milliseconds())))
	}

	p, err := serial.Open(cfg.Device, opts...)
	if err != nil {
		return nil, err
	}
	return &Port{port: p}, nil
}

// Write writes b to the port, returning the number of bytes written.
func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Read reads into b, returning the number of bytes read. A zero
// return with a nil error means the configured ReadTimeout elapsed
// with no data.
func (p *Port) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

// Close closes the underlying port. Idempotent.
func (p *Port) Close() error {
	return p.port.Close()
}
