// Package dmm reads the reference multimeter that sits next to the
// instrument during calibration. Serial speaks SCPI-style queries over a
// serial port, Manual prompts the operator to type readings from a meter
// without a data interface, and Mock feeds simulated values.
package dmm

import (
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned when an operation requires an open meter.
	ErrNotConnected = errors.New("dmm: not connected")
	// ErrTimeout is returned when the meter does not answer within the
	// I/O deadline. Timeouts are transient and safe to retry.
	ErrTimeout = errors.New("dmm: response timeout")
	// ErrBadReading is returned when the meter answers with something
	// that does not parse as a number. Usually a glitched line, safe to
	// retry.
	ErrBadReading = errors.New("dmm: unparseable reading")
	// ErrClosed is returned by Manual when the operator input stream ends.
	ErrClosed = errors.New("dmm: input closed")
)

// Reading is a single reference measurement.
type Reading struct {
	Value float64   // In the meter's configured unit
	At    time.Time // Host receive time
}

// Meter is the host-side contract for the reference instrument.
type Meter interface {
	Connect() error
	Close() error
	IsConnected() bool

	// Read takes one reference measurement.
	Read() (Reading, error)
	// Unit returns the unit label of Read values, e.g. "V".
	Unit() string
	// Interactive reports whether readings are typed by the operator.
	// Interactive readings are stamped when the operator confirms them,
	// so their timestamps measure typing pace, not acquisition time.
	Interactive() bool
}
