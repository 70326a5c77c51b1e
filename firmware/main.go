//go:build tinygo

//go:generate tinygo flash -target=xiao

package main

import (
	"encoding/binary"
	"machine"
	"time"

	"github.com/itohio/govcal/pkg/wire"
)

var (
	adcSense machine.ADC
	pwm      = machine.TCC0
	pwmCh    uint8
	uart     = machine.UART0

	// Output stage state
	outputEnabled bool
	pwmPeriod     uint16 = PWM_DEFAULT_PERIOD
	pwmWidth      uint16

	// ADC averaging - running sum over the configured window. A railed
	// conversion marks the window bad; windowFault holds until a clean
	// window publishes.
	window      uint16 = DEFAULT_WINDOW
	sampleSum   uint32
	sampleCount uint16
	sampleBad   bool
	latestRaw   uint16
	sampleSeq   uint32
	windowFault bool

	// Correction state
	coeffs       [wire.MaxCoeffs]float32
	coeffCount   uint8
	coeffsLocked bool
	faultCount   uint16

	// Timing
	bootTime   time.Time
	lastSample time.Time

	// Serial protocol parser state. cmdPending is zero while waiting
	// for a command byte; zero is never a valid command.
	cmdPending byte
	argBuf     [1 + wire.MaxCoeffs*4]byte
	argPos     int
	argNeed    int

	respBuf [wire.CorrectedRespLen]byte
)

func main() {
	// Configure status LED and sense pin
	PIN_LED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_SENSE.Configure(machine.PinConfig{Mode: machine.PinInput})

	adcSense = machine.ADC{Pin: PIN_SENSE}
	adcSense.Configure(machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	})

	// Configure UART for the command protocol
	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	// Configure the drive PWM, parked at zero duty
	pwm.Configure(machine.PWMConfig{
		Period: PWM_TICK_NS * uint64(pwmPeriod),
	})
	pwmCh, _ = pwm.Channel(PIN_DRIVE)
	applyLevel()

	loadFactoryCoefficients()

	// Initialize timing
	bootTime = time.Now()
	lastSample = bootTime

	// Main loop
	for {
		now := time.Now()

		// Check for serial input (non-blocking)
		processSerial()

		// Feed the averaging window at a fixed rate
		if now.Sub(lastSample) >= time.Duration(SAMPLE_INTERVAL_MS)*time.Millisecond {
			readSenseADC()
			lastSample = now
		}

		// The LED warns while the output stage is live
		PIN_LED.Set(outputEnabled)

		// Small delay to prevent tight loop (but still allow precise timing)
		time.Sleep(100 * time.Microsecond)
	}
}

func readSenseADC() {
	// Get returns a 16-bit left-aligned value; shift back to the
	// converter's 12-bit range.
	value := adcSense.Get() >> 4
	if value >= wire.RawMax {
		// Railed conversion: the input is outside the divider range.
		sampleBad = true
	}
	sampleSum += uint32(value)
	sampleCount++

	if sampleCount >= window {
		if sampleBad {
			windowFault = true
		} else {
			latestRaw = uint16((sampleSum + uint32(sampleCount)/2) / uint32(sampleCount))
			sampleSeq++
			windowFault = false
		}
		sampleSum = 0
		sampleCount = 0
		sampleBad = false
	}
}

// ticksMicros is the time since boot in microseconds.
func ticksMicros() uint64 {
	return uint64(time.Since(bootTime).Microseconds())
}

// argLen returns the argument byte count for a command. For a
// coefficient upload only the count byte is known up front; the parser
// extends the frame once the count arrives.
func argLen(cmd byte) (int, bool) {
	switch cmd {
	case wire.CmdSetOutput:
		return 1, true
	case wire.CmdSetLevel:
		return 4, true
	case wire.CmdSetWindow:
		return 2, true
	case wire.CmdLoadCoeffs:
		return 1, true
	case wire.CmdReadSample, wire.CmdReadTicks, wire.CmdGetWindow,
		wire.CmdGetLevel, wire.CmdReadCorrected, wire.CmdReadFaults:
		return 0, true
	default:
		return 0, false
	}
}

func processSerial() {
	// Read available bytes from serial
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if cmdPending == 0 {
			need, known := argLen(data)
			if !known {
				nack(data, wire.FaultUnknownCmd)
				continue
			}
			if need == 0 {
				execute(data)
				continue
			}
			cmdPending = data
			argNeed = need
			argPos = 0
			continue
		}

		argBuf[argPos] = data
		argPos++

		// The coefficient count fixes the rest of the frame.
		if cmdPending == wire.CmdLoadCoeffs && argPos == 1 {
			n := int(argBuf[0])
			if n < 1 || n > wire.MaxCoeffs {
				// The frame length cannot be trusted; reject and
				// resync on the next byte.
				nack(cmdPending, wire.FaultArgument)
				cmdPending = 0
				continue
			}
			argNeed = 1 + 4*n
		}

		if argPos >= argNeed {
			cmd := cmdPending
			cmdPending = 0
			execute(cmd)
		}
	}
}

func execute(cmd byte) {
	switch cmd {
	case wire.CmdSetOutput:
		if argBuf[0] > 1 {
			nack(cmd, wire.FaultArgument)
			return
		}
		outputEnabled = argBuf[0] != 0
		applyLevel()
		ack(cmd, nil)

	case wire.CmdReadSample:
		if windowFault {
			nack(cmd, wire.FaultConversion)
			return
		}
		binary.BigEndian.PutUint32(respBuf[0:4], sampleSeq)
		binary.BigEndian.PutUint64(respBuf[4:12], ticksMicros())
		binary.BigEndian.PutUint16(respBuf[12:14], latestRaw)
		ack(cmd, respBuf[:wire.SampleRespLen])

	case wire.CmdSetLevel:
		period := binary.BigEndian.Uint16(argBuf[0:2])
		width := binary.BigEndian.Uint16(argBuf[2:4])
		if period == 0 || width > period {
			nack(cmd, wire.FaultArgument)
			return
		}
		pwmPeriod = period
		pwmWidth = width
		applyLevel()
		ack(cmd, nil)

	case wire.CmdReadTicks:
		binary.BigEndian.PutUint64(respBuf[0:8], ticksMicros())
		ack(cmd, respBuf[:wire.TicksRespLen])

	case wire.CmdGetWindow:
		binary.BigEndian.PutUint16(respBuf[0:2], window)
		ack(cmd, respBuf[:wire.WindowRespLen])

	case wire.CmdSetWindow:
		n := binary.BigEndian.Uint16(argBuf[0:2])
		if n < 1 || n > wire.MaxWindow {
			nack(cmd, wire.FaultArgument)
			return
		}
		window = n
		sampleSum = 0
		sampleCount = 0
		sampleBad = false
		ack(cmd, nil)

	case wire.CmdGetLevel:
		binary.BigEndian.PutUint16(respBuf[0:2], pwmPeriod)
		binary.BigEndian.PutUint16(respBuf[2:4], pwmWidth)
		ack(cmd, respBuf[:wire.LevelRespLen])

	case wire.CmdReadCorrected:
		if windowFault {
			nack(cmd, wire.FaultConversion)
			return
		}
		value, ok := correct(latestRaw)
		if !ok {
			nack(cmd, wire.FaultConversion)
			return
		}
		binary.BigEndian.PutUint32(respBuf[0:4], sampleSeq)
		binary.BigEndian.PutUint64(respBuf[4:12], ticksMicros())
		wire.PutF32(respBuf[12:16], value)
		if coeffCount > 0 {
			respBuf[16] = 1
		} else {
			respBuf[16] = 0
		}
		ack(cmd, respBuf[:wire.CorrectedRespLen])

	case wire.CmdLoadCoeffs:
		if coeffsLocked {
			nack(cmd, wire.FaultCoeffsLocked)
			return
		}
		n := int(argBuf[0])
		for i := 0; i < n; i++ {
			coeffs[i] = wire.F32(argBuf[1+4*i : 5+4*i])
		}
		coeffCount = uint8(n)
		coeffsLocked = true
		ack(cmd, nil)

	case wire.CmdReadFaults:
		// Reading drains the counter, so each run judges its own faults.
		binary.BigEndian.PutUint16(respBuf[0:2], faultCount)
		faultCount = 0
		ack(cmd, respBuf[:wire.FaultsRespLen])
	}
}

func ack(cmd byte, payload []byte) {
	uart.WriteByte(cmd)
	if len(payload) > 0 {
		uart.Write(payload)
	}
}

// nack reports a fault for cmd and bumps the fault counter the host
// can read back over 0xEE.
func nack(cmd byte, code byte) {
	faultCount++
	uart.WriteByte(wire.Nack(cmd))
	uart.WriteByte(code)
}

// applyLevel programs the PWM compare value. With the output disabled
// the duty is parked at zero so the generator stops pumping.
func applyLevel() {
	pwm.SetPeriod(PWM_TICK_NS * uint64(pwmPeriod))

	duty := uint32(0)
	if outputEnabled && pwmWidth > 0 {
		duty = uint32(uint64(pwm.Top()) * uint64(pwmWidth) / uint64(pwmPeriod))
	}
	pwm.Set(pwmCh, duty)
}
