// Package wire defines the binary serial protocol spoken between the host
// tools and the instrument firmware. Every request starts with a single
// command byte; the device echoes that byte as the acknowledge, or replies
// with the bitwise complement followed by a one-byte fault code. Multi-byte
// integers are big-endian; float32 values travel as IEEE-754 bits.
//
// The package is deliberately free of host-only dependencies so the TinyGo
// firmware can share it.
package wire

import "math"

// Command bytes.
const (
	CmdSetOutput     byte = 0x01
	CmdReadSample    byte = 0x02
	CmdSetLevel      byte = 0x03
	CmdReadTicks     byte = 0x05
	CmdGetWindow     byte = 0x06
	CmdSetWindow     byte = 0x07
	CmdGetLevel      byte = 0x08
	CmdReadCorrected byte = 0x0A
	CmdLoadCoeffs    byte = 0x0B
	CmdReadFaults    byte = 0xEE
)

// Fault codes carried after a complemented acknowledge.
const (
	FaultConversion   byte = 1 // ADC reported an out-of-range conversion
	FaultArgument     byte = 2 // request argument rejected
	FaultCoeffsLocked byte = 3 // coefficients already loaded this boot
	FaultUnknownCmd   byte = 4 // command byte not recognized
)

const (
	// RawMax is the highest valid ADC count (12-bit converter).
	RawMax = 4095
	// MaxCoeffs bounds a coefficient upload (degree 8 polynomial).
	MaxCoeffs = 9
	// MaxWindow bounds the on-device averaging window.
	MaxWindow = 256
)

// Response payload lengths, excluding the acknowledge byte.
const (
	SampleRespLen    = 4 + 8 + 2     // seq, ticks, raw
	CorrectedRespLen = 4 + 8 + 4 + 1 // seq, ticks, value, calibrated flag
	TicksRespLen     = 8
	WindowRespLen    = 2
	LevelRespLen     = 2 + 2
	FaultsRespLen    = 2
)

// Nack returns the negative-acknowledge byte for a command.
func Nack(cmd byte) byte { return ^cmd }

// PutF32 stores the IEEE-754 bits of v into b[0:4], big-endian.
func PutF32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits >> 24)
	b[1] = byte(bits >> 16)
	b[2] = byte(bits >> 8)
	b[3] = byte(bits)
}

// F32 reads a big-endian IEEE-754 float32 from b[0:4].
func F32(b []byte) float32 {
	bits := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return math.Float32frombits(bits)
}
