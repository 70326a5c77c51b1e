package hvps

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/itohio/govcal/pkg/wire"
)

const (
	// DefaultBaudRate is the instrument UART rate.
	DefaultBaudRate = 115200
	// DefaultIOTimeout bounds one request/response exchange.
	DefaultIOTimeout = time.Second

	// pollTimeout is the per-Read timeout the deadline loop spins on.
	pollTimeout = 50 * time.Millisecond
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial talks to the instrument over a serial port. The protocol is
// strict request/response, so exchanges are serialized internally and
// the methods may be called from multiple goroutines.
type Serial struct {
	port     string
	baudRate int
	timeout  time.Duration

	conn      serial.Port
	mu        sync.RWMutex // guards conn and connected
	xmu       sync.Mutex   // serializes request/response exchanges
	connected bool
}

// NewSerial creates a new instrument connection for the given port.
// Zero baudRate or timeout select the defaults.
func NewSerial(port string, baudRate int, timeout time.Duration) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if timeout == 0 {
		timeout = DefaultIOTimeout
	}

	return &Serial{
		port:     port,
		baudRate: baudRate,
		timeout:  timeout,
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, p := range ports {
		result = append(result, Port{
			Name:        p.Name,
			Description: p.Product,
		})
	}

	return result, nil
}

// Connect opens the serial port.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{
		BaudRate: d.baudRate,
	}

	port, err := serial.Open(d.port, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	if err := port.SetReadTimeout(pollTimeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	d.conn = port
	d.connected = true

	return nil
}

// Close closes the connection.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			log.Printf("Error closing serial port: %v", err)
		}
		d.conn = nil
	}

	d.connected = false

	return nil
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// SetOutput enables or disables the output stage.
func (d *Serial) SetOutput(on bool) error {
	state := byte(0)
	if on {
		state = 1
	}
	_, err := d.exchange(wire.CmdSetOutput, []byte{state}, 0)
	return err
}

// ReadSample requests one window-averaged raw ADC sample.
func (d *Serial) ReadSample() (RawSample, error) {
	resp, err := d.exchange(wire.CmdReadSample, nil, wire.SampleRespLen)
	if err != nil {
		return RawSample{}, err
	}

	sample := RawSample{
		Seq:   binary.BigEndian.Uint32(resp[0:4]),
		Ticks: binary.BigEndian.Uint64(resp[4:12]),
		Value: binary.BigEndian.Uint16(resp[12:14]),
		At:    time.Now(),
	}
	if sample.Value > wire.RawMax {
		return RawSample{}, fmt.Errorf("%w: raw value %d out of range (max %d)", ErrProtocol, sample.Value, wire.RawMax)
	}

	return sample, nil
}

// ReadCorrected requests one corrected sample.
func (d *Serial) ReadCorrected() (CorrectedSample, error) {
	resp, err := d.exchange(wire.CmdReadCorrected, nil, wire.CorrectedRespLen)
	if err != nil {
		return CorrectedSample{}, err
	}

	value := wire.F32(resp[12:16])
	if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
		return CorrectedSample{}, fmt.Errorf("%w: corrected value is not finite", ErrProtocol)
	}
	flag := resp[16]
	if flag > 1 {
		return CorrectedSample{}, fmt.Errorf("%w: calibrated flag %d", ErrProtocol, flag)
	}

	return CorrectedSample{
		Seq:        binary.BigEndian.Uint32(resp[0:4]),
		Ticks:      binary.BigEndian.Uint64(resp[4:12]),
		Value:      value,
		Calibrated: flag == 1,
		At:         time.Now(),
	}, nil
}

// SetLevel programs the drive period and pulse width.
func (d *Serial) SetLevel(period, width uint16) error {
	if width > period {
		return fmt.Errorf("hvps: width %d exceeds period %d", width, period)
	}

	args := make([]byte, 4)
	binary.BigEndian.PutUint16(args[0:2], period)
	binary.BigEndian.PutUint16(args[2:4], width)
	_, err := d.exchange(wire.CmdSetLevel, args, 0)
	return err
}

// Level reads back the programmed drive level.
func (d *Serial) Level() (Level, error) {
	resp, err := d.exchange(wire.CmdGetLevel, nil, wire.LevelRespLen)
	if err != nil {
		return Level{}, err
	}
	return Level{
		Period: binary.BigEndian.Uint16(resp[0:2]),
		Width:  binary.BigEndian.Uint16(resp[2:4]),
	}, nil
}

// SetWindow sets the on-device averaging window length.
func (d *Serial) SetWindow(n uint16) error {
	if n == 0 || n > wire.MaxWindow {
		return fmt.Errorf("hvps: window %d out of range (1-%d)", n, wire.MaxWindow)
	}

	args := make([]byte, 2)
	binary.BigEndian.PutUint16(args, n)
	_, err := d.exchange(wire.CmdSetWindow, args, 0)
	return err
}

// Window reads the on-device averaging window length.
func (d *Serial) Window() (uint16, error) {
	resp, err := d.exchange(wire.CmdGetWindow, nil, wire.WindowRespLen)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(resp), nil
}

// LoadCoefficients uploads correction coefficients, lowest order first.
func (d *Serial) LoadCoefficients(coeffs []float32) error {
	if len(coeffs) == 0 || len(coeffs) > wire.MaxCoeffs {
		return fmt.Errorf("hvps: %d coefficients out of range (1-%d)", len(coeffs), wire.MaxCoeffs)
	}

	args := make([]byte, 1+4*len(coeffs))
	args[0] = byte(len(coeffs))
	for i, c := range coeffs {
		wire.PutF32(args[1+4*i:], c)
	}
	_, err := d.exchange(wire.CmdLoadCoeffs, args, 0)
	return err
}

// Ticks reads the device tick counter.
func (d *Serial) Ticks() (uint64, error) {
	resp, err := d.exchange(wire.CmdReadTicks, nil, wire.TicksRespLen)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(resp), nil
}

// Faults reads the device fault counter. The device clears the counter
// on read.
func (d *Serial) Faults() (uint16, error) {
	resp, err := d.exchange(wire.CmdReadFaults, nil, wire.FaultsRespLen)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(resp), nil
}

// exchange writes one request and reads its acknowledge plus respLen
// payload bytes. A complemented acknowledge is decoded into a FaultError,
// anything else is a protocol violation and flushes the input buffer.
func (d *Serial) exchange(cmd byte, args []byte, respLen int) ([]byte, error) {
	d.mu.RLock()
	conn := d.conn
	connected := d.connected
	d.mu.RUnlock()

	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	d.xmu.Lock()
	defer d.xmu.Unlock()

	req := make([]byte, 0, 1+len(args))
	req = append(req, cmd)
	req = append(req, args...)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("failed to send command 0x%02X: %w", cmd, err)
	}

	ack, err := d.readFull(conn, 1)
	if err != nil {
		return nil, fmt.Errorf("command 0x%02X: %w", cmd, err)
	}

	switch ack[0] {
	case cmd:
		if respLen == 0 {
			return nil, nil
		}
		resp, err := d.readFull(conn, respLen)
		if err != nil {
			return nil, fmt.Errorf("command 0x%02X response: %w", cmd, err)
		}
		return resp, nil

	case wire.Nack(cmd):
		code, err := d.readFull(conn, 1)
		if err != nil {
			return nil, fmt.Errorf("command 0x%02X fault code: %w", cmd, err)
		}
		return nil, &FaultError{Cmd: cmd, Code: code[0]}

	default:
		conn.ResetInputBuffer()
		return nil, fmt.Errorf("%w: command 0x%02X answered with 0x%02X", ErrProtocol, cmd, ack[0])
	}
}

// readFull reads exactly n bytes or fails with ErrTimeout once the
// exchange deadline passes. The port read timeout is short so the loop
// can check the deadline between reads.
func (d *Serial) readFull(conn serial.Port, n int) ([]byte, error) {
	buf := make([]byte, n)
	deadline := time.Now().Add(d.timeout)

	off := 0
	for off < n {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: got %d of %d bytes", ErrTimeout, off, n)
		}
		k, err := conn.Read(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("serial read: %w", err)
		}
		off += k
	}

	return buf, nil
}
