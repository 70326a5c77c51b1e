package hvps

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/govcal/pkg/config"
	"github.com/itohio/govcal/pkg/wire"
)

// Mock simulates the instrument for testing and development. The output
// stage settles exponentially toward the drive duty cycle, the ADC adds
// deterministic noise and faults on a railed conversion, and the
// protocol side effects (coefficient lock, fault counter) behave like
// the firmware.
type Mock struct {
	cfg *config.MockConfig

	mu        sync.Mutex
	connected bool

	// Instrument state
	output bool
	period uint16
	width  uint16
	window uint16
	coeffs []float32
	seq    uint32
	faults uint16

	// Simulation state
	startTime time.Time
	updatedAt time.Time
	voltage   float64 // True output voltage (V)
}

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)

// NewMock creates a new mocked instrument.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}

	return &Mock{
		cfg:    cfg,
		period: 1024,
		window: 1,
	}
}

// Connect simulates connecting to the instrument.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	m.startTime = time.Now()
	m.updatedAt = m.startTime
	m.voltage = 0.0
	m.seq = 0

	return nil
}

// Close stops the mocked instrument.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.connected = false

	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetOutput enables or disables the simulated output stage.
func (m *Mock) SetOutput(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	m.settle(time.Now())
	m.output = on

	return nil
}

// ReadSample returns one simulated raw sample.
func (m *Mock) ReadSample() (RawSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return RawSample{}, ErrNotConnected
	}

	now := time.Now()
	m.settle(now)

	value, railed := m.sense(now)
	if railed {
		m.faults++
		return RawSample{}, &FaultError{Cmd: wire.CmdReadSample, Code: wire.FaultConversion}
	}
	m.seq++

	return RawSample{
		Seq:   m.seq,
		Ticks: m.ticks(now),
		Value: value,
		At:    now,
	}, nil
}

// ReadCorrected returns one simulated corrected sample. Before
// coefficients are loaded it reports the raw counts uncalibrated, like
// the identity mapping on the device.
func (m *Mock) ReadCorrected() (CorrectedSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return CorrectedSample{}, ErrNotConnected
	}

	now := time.Now()
	m.settle(now)

	raw, railed := m.sense(now)
	if railed {
		m.faults++
		return CorrectedSample{}, &FaultError{Cmd: wire.CmdReadCorrected, Code: wire.FaultConversion}
	}
	m.seq++

	sample := CorrectedSample{
		Seq:   m.seq,
		Ticks: m.ticks(now),
		At:    now,
	}

	if len(m.coeffs) == 0 {
		sample.Value = float32(raw)
		return sample, nil
	}

	value := correct(m.coeffs, float32(raw))
	if math32.IsNaN(value) || math32.IsInf(value, 0) {
		m.faults++
		return CorrectedSample{}, &FaultError{Cmd: wire.CmdReadCorrected, Code: wire.FaultConversion}
	}

	sample.Value = value
	sample.Calibrated = true
	return sample, nil
}

// SetLevel programs the simulated drive level.
func (m *Mock) SetLevel(period, width uint16) error {
	if width > period {
		return fmt.Errorf("hvps: width %d exceeds period %d", width, period)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if period == 0 {
		m.faults++
		return &FaultError{Cmd: wire.CmdSetLevel, Code: wire.FaultArgument}
	}

	m.settle(time.Now())
	m.period = period
	m.width = width

	return nil
}

// Level reads back the programmed drive level.
func (m *Mock) Level() (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return Level{}, ErrNotConnected
	}

	return Level{Period: m.period, Width: m.width}, nil
}

// SetWindow sets the simulated averaging window length.
func (m *Mock) SetWindow(n uint16) error {
	if n == 0 || n > wire.MaxWindow {
		return fmt.Errorf("hvps: window %d out of range (1-%d)", n, wire.MaxWindow)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	m.window = n

	return nil
}

// Window reads the simulated averaging window length.
func (m *Mock) Window() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	return m.window, nil
}

// LoadCoefficients accepts one coefficient upload per connection.
func (m *Mock) LoadCoefficients(coeffs []float32) error {
	if len(coeffs) == 0 || len(coeffs) > wire.MaxCoeffs {
		return fmt.Errorf("hvps: %d coefficients out of range (1-%d)", len(coeffs), wire.MaxCoeffs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if len(m.coeffs) > 0 {
		m.faults++
		return &FaultError{Cmd: wire.CmdLoadCoeffs, Code: wire.FaultCoeffsLocked}
	}

	m.coeffs = append([]float32(nil), coeffs...)

	return nil
}

// Ticks returns the simulated tick counter.
func (m *Mock) Ticks() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	return m.ticks(time.Now()), nil
}

// Faults returns and clears the fault counter.
func (m *Mock) Faults() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	n := m.faults
	m.faults = 0
	return n, nil
}

// TrueVoltage returns the present simulated output voltage. Not part of
// the Device interface, used to wire a mock reference meter to the same
// simulated plant.
func (m *Mock) TrueVoltage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settle(time.Now())
	return m.voltage
}

// settle advances the output voltage toward its target. Callers hold mu.
func (m *Mock) settle(now time.Time) {
	target := 0.0
	if m.output && m.period > 0 {
		target = m.cfg.VoltsMax * float64(m.width) / float64(m.period)
	}

	dt := now.Sub(m.updatedAt).Seconds()
	m.updatedAt = now
	if dt <= 0 {
		return
	}

	tau := m.cfg.SettleTau.Seconds()
	if tau <= 0 {
		m.voltage = target
		return
	}

	m.voltage = target + (m.voltage-target)*math.Exp(-dt/tau)
}

// sense converts the present output voltage to noisy ADC counts. The
// second return reports a railed conversion, counts pinned at the top
// of the converter range, which faults like the firmware. Callers
// hold mu.
func (m *Mock) sense(now time.Time) (uint16, bool) {
	elapsed := now.Sub(m.startTime)
	noise := (math.Sin(float64(elapsed.Nanoseconds())*0.001) +
		math.Cos(float64(elapsed.Nanoseconds())*0.0013)) *
		m.cfg.NoiseCounts * 0.5

	counts := m.voltage*m.cfg.CountsPerVolt + noise
	if counts < 0 {
		counts = 0
	}
	if counts >= wire.RawMax {
		return wire.RawMax, true
	}

	value := uint16(counts + 0.5)
	return value, value >= wire.RawMax
}

// ticks reports microseconds since connect. Callers hold mu.
func (m *Mock) ticks(now time.Time) uint64 {
	return uint64(now.Sub(m.startTime).Microseconds())
}

// correct evaluates the correction polynomial in float32, lowest order
// coefficient first, matching the device arithmetic.
func correct(coeffs []float32, x float32) float32 {
	acc := float32(0)
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = acc*x + coeffs[i]
	}
	return acc
}
