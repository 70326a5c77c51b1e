package dmm

import (
	"math"
	"sync"
	"time"
)

// Mock simulates a reference meter by sampling a source function, with
// deterministic noise so runs are repeatable.
type Mock struct {
	source  func() float64
	noise   float64
	unit    string
	latency time.Duration

	mu        sync.Mutex
	connected bool
	startTime time.Time
}

// Ensure Mock implements Meter.
var _ Meter = (*Mock)(nil)

// NewMock creates a simulated meter reading from source. Wire source to
// the mock instrument's TrueVoltage to point both ends at the same
// simulated plant.
func NewMock(source func() float64, noise float64, unit string) *Mock {
	if unit == "" {
		unit = "V"
	}
	return &Mock{
		source: source,
		noise:  noise,
		unit:   unit,
	}
}

// SetLatency makes each Read block for d, like a meter integrating.
func (m *Mock) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Connect simulates connecting to the meter.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = true
	m.startTime = time.Now()

	return nil
}

// Close stops the mocked meter.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false

	return nil
}

// IsConnected returns whether the meter is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Unit returns the unit label of Read values.
func (m *Mock) Unit() string { return m.unit }

// Interactive reports false; the mock paces itself like an instrument.
func (m *Mock) Interactive() bool { return false }

// Read samples the source and adds deterministic noise.
func (m *Mock) Read() (Reading, error) {
	m.mu.Lock()
	connected := m.connected
	latency := m.latency
	start := m.startTime
	m.mu.Unlock()

	if !connected {
		return Reading{}, ErrNotConnected
	}

	if latency > 0 {
		time.Sleep(latency)
	}

	now := time.Now()
	value := m.source()
	value += math.Sin(float64(now.Sub(start).Nanoseconds())*0.0017) * m.noise

	return Reading{Value: value, At: now}, nil
}
