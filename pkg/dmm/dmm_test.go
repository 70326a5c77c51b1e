package dmm

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakePort scripts meter answers for Serial tests. Read returns (0, nil)
// when no data is queued, like a real port after its read timeout.
type fakePort struct {
	serial.Port

	rx     bytes.Buffer
	tx     bytes.Buffer
	script func(req []byte) []byte
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.tx.Write(b)
	if p.script != nil {
		p.rx.Write(p.script(b))
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.rx.Len() == 0 {
		return 0, nil
	}
	return p.rx.Read(b)
}

func (p *fakePort) ResetInputBuffer() error {
	p.rx.Reset()
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) Close() error { return nil }

func newTestSerial(answer string) (*Serial, *fakePort) {
	port := &fakePort{}
	if answer != "" {
		port.script = func([]byte) []byte { return []byte(answer) }
	}
	meter := &Serial{
		port:      "fake",
		baud:      DefaultBaudRate,
		query:     DefaultQuery,
		unit:      "V",
		timeout:   50 * time.Millisecond,
		conn:      port,
		connected: true,
	}
	return meter, port
}

func TestSerial_Defaults(t *testing.T) {
	m := NewSerial("/dev/ttyUSB0", 0, "", "", 0)
	assert.Equal(t, DefaultBaudRate, m.baud)
	assert.Equal(t, DefaultQuery, m.query)
	assert.Equal(t, "V", m.Unit())
	assert.Equal(t, DefaultIOTimeout, m.timeout)
	assert.False(t, m.IsConnected())
	assert.False(t, m.Interactive())
}

func TestSerial_Read(t *testing.T) {
	m, port := newTestSerial("+7.12345678E+00\r\n")

	reading, err := m.Read()
	require.NoError(t, err)
	assert.InDelta(t, 7.12345678, reading.Value, 1e-9)
	assert.False(t, reading.At.IsZero())
	assert.Equal(t, "MEAS:VOLT:DC?\n", port.tx.String())
}

func TestSerial_Read_PlainNumber(t *testing.T) {
	m, _ := newTestSerial("450.7\n")

	reading, err := m.Read()
	require.NoError(t, err)
	assert.InDelta(t, 450.7, reading.Value, 1e-9)
}

func TestSerial_Read_BadReading(t *testing.T) {
	m, _ := newTestSerial("OVLD\r\n")

	_, err := m.Read()
	assert.ErrorIs(t, err, ErrBadReading)
}

func TestSerial_Read_Timeout(t *testing.T) {
	m, _ := newTestSerial("") // never answers

	_, err := m.Read()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSerial_NotConnected(t *testing.T) {
	m := NewSerial("/dev/null", 0, "", "", 0)

	_, err := m.Read()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManual_Read(t *testing.T) {
	var out bytes.Buffer
	m := NewManualIO(strings.NewReader("451.25\n"), &out, "V")
	require.NoError(t, m.Connect())

	reading, err := m.Read()
	require.NoError(t, err)
	assert.InDelta(t, 451.25, reading.Value, 1e-9)
	assert.Contains(t, out.String(), "meter reading [V]:")
	assert.True(t, m.Interactive())
}

func TestManual_Read_SkipsBlankAndGarbage(t *testing.T) {
	var out bytes.Buffer
	m := NewManualIO(strings.NewReader("\nnope\n6.5\n"), &out, "V")
	require.NoError(t, m.Connect())

	reading, err := m.Read()
	require.NoError(t, err)
	assert.InDelta(t, 6.5, reading.Value, 1e-9)
	assert.Contains(t, out.String(), "not a number")
}

func TestManual_Read_LastLineWithoutNewline(t *testing.T) {
	m := NewManualIO(strings.NewReader("3.25"), &bytes.Buffer{}, "V")
	require.NoError(t, m.Connect())

	reading, err := m.Read()
	require.NoError(t, err)
	assert.InDelta(t, 3.25, reading.Value, 1e-9)
}

func TestManual_Read_Closed(t *testing.T) {
	m := NewManualIO(strings.NewReader(""), &bytes.Buffer{}, "V")
	require.NoError(t, m.Connect())

	_, err := m.Read()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManual_NotConnected(t *testing.T) {
	m := NewManualIO(strings.NewReader("1\n"), &bytes.Buffer{}, "V")

	_, err := m.Read()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMock_Read(t *testing.T) {
	m := NewMock(func() float64 { return 42 }, 0, "V")
	require.NoError(t, m.Connect())

	reading, err := m.Read()
	require.NoError(t, err)
	assert.Equal(t, 42.0, reading.Value)
	assert.Equal(t, "V", m.Unit())
	assert.False(t, m.Interactive())
}

func TestMock_Read_Latency(t *testing.T) {
	m := NewMock(func() float64 { return 1 }, 0, "V")
	require.NoError(t, m.Connect())
	m.SetLatency(20 * time.Millisecond)

	start := time.Now()
	_, err := m.Read()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMock_NotConnected(t *testing.T) {
	m := NewMock(func() float64 { return 1 }, 0, "V")

	_, err := m.Read()
	assert.ErrorIs(t, err, ErrNotConnected)
}
