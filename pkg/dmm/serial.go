package dmm

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate matches most bench meters out of the box.
	DefaultBaudRate = 9600
	// DefaultQuery asks for a DC voltage measurement.
	DefaultQuery = "MEAS:VOLT:DC?"
	// DefaultIOTimeout bounds one query/answer exchange. Bench meters can
	// take several hundred milliseconds to integrate a reading.
	DefaultIOTimeout = 2 * time.Second

	// pollTimeout is the per-Read timeout the deadline loop spins on.
	pollTimeout = 50 * time.Millisecond
	// maxLine bounds an answer line; anything longer is garbage.
	maxLine = 256
)

// Serial reads a bench multimeter over a serial port using SCPI-style
// queries, one query per reading.
type Serial struct {
	port    string
	baud    int
	query   string
	unit    string
	timeout time.Duration

	conn      serial.Port
	mu        sync.RWMutex // guards conn and connected
	xmu       sync.Mutex   // serializes query/answer exchanges
	connected bool
}

// Ensure Serial implements Meter.
var _ Meter = (*Serial)(nil)

// NewSerial creates a meter connection. Zero or empty arguments select
// the defaults; unit is a label only and defaults to "V".
func NewSerial(port string, baud int, query, unit string, timeout time.Duration) *Serial {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	if query == "" {
		query = DefaultQuery
	}
	if unit == "" {
		unit = "V"
	}
	if timeout == 0 {
		timeout = DefaultIOTimeout
	}

	return &Serial{
		port:    port,
		baud:    baud,
		query:   query,
		unit:    unit,
		timeout: timeout,
	}
}

// Connect opens the serial port.
func (m *Serial) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{
		BaudRate: m.baud,
	}

	port, err := serial.Open(m.port, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", m.port, err)
	}

	if err := port.SetReadTimeout(pollTimeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	m.conn = port
	m.connected = true

	return nil
}

// Close closes the connection.
func (m *Serial) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			log.Printf("Error closing serial port: %v", err)
		}
		m.conn = nil
	}

	m.connected = false

	return nil
}

// IsConnected returns whether the meter is currently connected.
func (m *Serial) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Unit returns the unit label of Read values.
func (m *Serial) Unit() string { return m.unit }

// Interactive reports false; readings come from the instrument.
func (m *Serial) Interactive() bool { return false }

// Read sends the configured query and parses the answer line. Meters
// answer in scientific notation ("+7.12345678E+00"), which ParseFloat
// accepts directly.
func (m *Serial) Read() (Reading, error) {
	m.mu.RLock()
	conn := m.conn
	connected := m.connected
	m.mu.RUnlock()

	if !connected || conn == nil {
		return Reading{}, ErrNotConnected
	}

	m.xmu.Lock()
	defer m.xmu.Unlock()

	if _, err := conn.Write([]byte(m.query + "\n")); err != nil {
		return Reading{}, fmt.Errorf("failed to send query: %w", err)
	}

	line, err := m.readLine(conn)
	if err != nil {
		return Reading{}, err
	}
	at := time.Now()

	value, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %q", ErrBadReading, line)
	}

	return Reading{Value: value, At: at}, nil
}

// readLine reads up to the next newline or fails with ErrTimeout once
// the exchange deadline passes.
func (m *Serial) readLine(conn serial.Port) (string, error) {
	deadline := time.Now().Add(m.timeout)
	scratch := make([]byte, 64)
	var line []byte

	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: got %d bytes without newline", ErrTimeout, len(line))
		}

		n, err := conn.Read(scratch)
		if err != nil {
			return "", fmt.Errorf("serial read: %w", err)
		}

		for _, b := range scratch[:n] {
			if b == '\n' {
				return strings.TrimSpace(string(line)), nil
			}
			line = append(line, b)
			if len(line) > maxLine {
				conn.ResetInputBuffer()
				return "", fmt.Errorf("%w: line exceeds %d bytes", ErrBadReading, maxLine)
			}
		}
	}
}
