// Package hvps talks to the high-voltage supply instrument over its binary
// serial protocol. Serial drives real hardware, Mock simulates it for
// development without an instrument on the bench.
package hvps

import "time"

// RawSample is one window-averaged ADC reading from the instrument.
type RawSample struct {
	Seq   uint32    // Acquisition sequence number
	Ticks uint64    // Device tick counter at acquisition
	Value uint16    // Averaged 12-bit ADC counts (0-4095)
	At    time.Time // Host receive time
}

// CorrectedSample is a reading passed through the on-device correction
// polynomial. Calibrated is false while the device runs the identity
// mapping because no coefficients were loaded.
type CorrectedSample struct {
	Seq        uint32
	Ticks      uint64
	Value      float32 // Corrected value in output units
	Calibrated bool
	At         time.Time // Host receive time
}

// Level is the drive level of the output stage.
type Level struct {
	Period uint16 // Timer counts per drive cycle
	Width  uint16 // Active counts per cycle (0 = idle)
}

// Device is the host-side contract for the instrument. Implementations
// must be safe for concurrent use.
type Device interface {
	Connect() error
	Close() error
	IsConnected() bool

	// SetOutput enables or disables the output stage.
	SetOutput(on bool) error
	// ReadSample requests one window-averaged raw ADC sample.
	ReadSample() (RawSample, error)
	// ReadCorrected requests one sample passed through the device-side
	// correction polynomial.
	ReadCorrected() (CorrectedSample, error)
	// SetLevel programs the drive period and pulse width, width <= period.
	SetLevel(period, width uint16) error
	// Level reads back the programmed drive level.
	Level() (Level, error)
	// SetWindow sets the on-device averaging window length.
	SetWindow(n uint16) error
	// Window reads the on-device averaging window length.
	Window() (uint16, error)
	// LoadCoefficients uploads correction coefficients, lowest order
	// first. The device accepts one upload per boot.
	LoadCoefficients(coeffs []float32) error
	// Ticks reads the device tick counter.
	Ticks() (uint64, error)
	// Faults reads and clears the device fault counter.
	Faults() (uint16, error)
}
