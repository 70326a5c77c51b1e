package hvps

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/itohio/govcal/pkg/wire"
)

// fakePort scripts instrument replies for exchange tests. Read returns
// (0, nil) when no data is queued, like a real port after its read
// timeout expires.
type fakePort struct {
	serial.Port

	rx     bytes.Buffer // device -> host
	tx     bytes.Buffer // host -> device
	script func(req []byte) []byte
	resets int
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
	p.resets++
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) Close() error { return nil }

func newTestSerial(script func(req []byte) []byte) (*Serial, *fakePort) {
	port := &fakePort{script: script}
	dev := &Serial{
		port:      "fake",
		baudRate:  DefaultBaudRate,
		timeout:   50 * time.Millisecond,
		conn:      port,
		connected: true,
	}
	return dev, port
}

// echo acknowledges the command and appends the given payload.
func echo(payload ...byte) func(req []byte) []byte {
	return func(req []byte) []byte {
		return append([]byte{req[0]}, payload...)
	}
}

// nack answers with the complemented command and a fault code.
func nack(code byte) func(req []byte) []byte {
	return func(req []byte) []byte {
		return []byte{wire.Nack(req[0]), code}
	}
}

func TestSerial_NotConnected(t *testing.T) {
	dev := NewSerial("/dev/null", 0, 0)

	_, err := dev.ReadSample()
	assert.ErrorIs(t, err, ErrNotConnected)

	err = dev.SetOutput(true)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = dev.Faults()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSerial_Defaults(t *testing.T) {
	dev := NewSerial("/dev/ttyACM0", 0, 0)
	assert.Equal(t, DefaultBaudRate, dev.baudRate)
	assert.Equal(t, DefaultIOTimeout, dev.timeout)
	assert.False(t, dev.IsConnected())
}

func TestSerial_ReadSample(t *testing.T) {
	payload := make([]byte, wire.SampleRespLen)
	binary.BigEndian.PutUint32(payload[0:4], 42)
	binary.BigEndian.PutUint64(payload[4:12], 123456789)
	binary.BigEndian.PutUint16(payload[12:14], 2048)

	dev, port := newTestSerial(echo(payload...))

	sample, err := dev.ReadSample()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), sample.Seq)
	assert.Equal(t, uint64(123456789), sample.Ticks)
	assert.Equal(t, uint16(2048), sample.Value)
	assert.False(t, sample.At.IsZero())
	assert.Equal(t, []byte{wire.CmdReadSample}, port.tx.Bytes())
}

func TestSerial_ReadSample_OutOfRange(t *testing.T) {
	payload := make([]byte, wire.SampleRespLen)
	binary.BigEndian.PutUint16(payload[12:14], 5000) // beyond 12-bit range

	dev, _ := newTestSerial(echo(payload...))

	_, err := dev.ReadSample()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSerial_ReadCorrected(t *testing.T) {
	payload := make([]byte, wire.CorrectedRespLen)
	binary.BigEndian.PutUint32(payload[0:4], 7)
	binary.BigEndian.PutUint64(payload[4:12], 99)
	wire.PutF32(payload[12:16], 451.25)
	payload[16] = 1

	dev, _ := newTestSerial(echo(payload...))

	sample, err := dev.ReadCorrected()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), sample.Seq)
	assert.Equal(t, uint64(99), sample.Ticks)
	assert.Equal(t, float32(451.25), sample.Value)
	assert.True(t, sample.Calibrated)
}

func TestSerial_ReadCorrected_BadFlag(t *testing.T) {
	payload := make([]byte, wire.CorrectedRespLen)
	payload[16] = 7

	dev, _ := newTestSerial(echo(payload...))

	_, err := dev.ReadCorrected()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSerial_Fault(t *testing.T) {
	dev, _ := newTestSerial(nack(wire.FaultConversion))

	_, err := dev.ReadSample()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceFault)
	assert.True(t, IsFault(err, wire.FaultConversion))
	assert.False(t, IsFault(err, wire.FaultArgument))

	var fe *FaultError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, wire.CmdReadSample, fe.Cmd)
	assert.Contains(t, fe.Error(), "conversion")
}

func TestSerial_Desync(t *testing.T) {
	dev, port := newTestSerial(func(req []byte) []byte {
		return []byte{0x55} // neither ack nor nack
	})

	_, err := dev.ReadSample()
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, 1, port.resets) // input flushed for resync
}

func TestSerial_Timeout(t *testing.T) {
	dev, _ := newTestSerial(nil) // never answers

	_, err := dev.ReadSample()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSerial_TruncatedResponse(t *testing.T) {
	dev, _ := newTestSerial(echo(0x01, 0x02)) // ack then too few payload bytes

	_, err := dev.ReadSample()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSerial_SetOutput_Frame(t *testing.T) {
	dev, port := newTestSerial(echo())

	require.NoError(t, dev.SetOutput(true))
	assert.Equal(t, []byte{wire.CmdSetOutput, 1}, port.tx.Bytes())

	port.tx.Reset()
	require.NoError(t, dev.SetOutput(false))
	assert.Equal(t, []byte{wire.CmdSetOutput, 0}, port.tx.Bytes())
}

func TestSerial_SetLevel_Frame(t *testing.T) {
	dev, port := newTestSerial(echo())

	require.NoError(t, dev.SetLevel(1024, 512))
	assert.Equal(t, []byte{wire.CmdSetLevel, 0x04, 0x00, 0x02, 0x00}, port.tx.Bytes())
}

func TestSerial_SetLevel_WidthExceedsPeriod(t *testing.T) {
	dev, port := newTestSerial(echo())

	err := dev.SetLevel(100, 200)
	assert.Error(t, err)
	assert.Zero(t, port.tx.Len()) // rejected before transmission
}

func TestSerial_Level(t *testing.T) {
	dev, _ := newTestSerial(echo(0x04, 0x00, 0x01, 0x00))

	level, err := dev.Level()
	require.NoError(t, err)
	assert.Equal(t, Level{Period: 1024, Width: 256}, level)
}

func TestSerial_Window(t *testing.T) {
	dev, port := newTestSerial(echo(0x00, 0x14))

	n, err := dev.Window()
	require.NoError(t, err)
	assert.Equal(t, uint16(20), n)

	port.tx.Reset()
	port.script = echo()
	require.NoError(t, dev.SetWindow(64))
	assert.Equal(t, []byte{wire.CmdSetWindow, 0x00, 0x40}, port.tx.Bytes())
}

func TestSerial_SetWindow_Validation(t *testing.T) {
	dev, port := newTestSerial(echo())

	assert.Error(t, dev.SetWindow(0))
	assert.Error(t, dev.SetWindow(wire.MaxWindow+1))
	assert.Zero(t, port.tx.Len())
}

func TestSerial_LoadCoefficients_Frame(t *testing.T) {
	dev, port := newTestSerial(echo())

	require.NoError(t, dev.LoadCoefficients([]float32{1.5, -2.0, 0.25}))

	frame := port.tx.Bytes()
	require.Len(t, frame, 2+3*4)
	assert.Equal(t, wire.CmdLoadCoeffs, frame[0])
	assert.Equal(t, byte(3), frame[1])
	assert.Equal(t, float32(1.5), wire.F32(frame[2:6]))
	assert.Equal(t, float32(-2.0), wire.F32(frame[6:10]))
	assert.Equal(t, float32(0.25), wire.F32(frame[10:14]))
}

func TestSerial_LoadCoefficients_Validation(t *testing.T) {
	dev, port := newTestSerial(echo())

	assert.Error(t, dev.LoadCoefficients(nil))
	assert.Error(t, dev.LoadCoefficients(make([]float32, wire.MaxCoeffs+1)))
	assert.Zero(t, port.tx.Len())
}

func TestSerial_LoadCoefficients_Locked(t *testing.T) {
	dev, _ := newTestSerial(nack(wire.FaultCoeffsLocked))

	err := dev.LoadCoefficients([]float32{0, 1})
	assert.True(t, IsFault(err, wire.FaultCoeffsLocked))
}

func TestSerial_Ticks(t *testing.T) {
	payload := make([]byte, wire.TicksRespLen)
	binary.BigEndian.PutUint64(payload, 987654321)

	dev, _ := newTestSerial(echo(payload...))

	ticks, err := dev.Ticks()
	require.NoError(t, err)
	assert.Equal(t, uint64(987654321), ticks)
}

func TestSerial_Faults(t *testing.T) {
	dev, _ := newTestSerial(echo(0x00, 0x03))

	n, err := dev.Faults()
	require.NoError(t, err)
	assert.Equal(t, uint16(3), n)
}
