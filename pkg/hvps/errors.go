package hvps

import (
	"errors"
	"fmt"

	"github.com/itohio/govcal/pkg/wire"
)

var (
	// ErrNotConnected is returned when an operation requires an open port.
	ErrNotConnected = errors.New("hvps: not connected")
	// ErrTimeout is returned when the instrument does not answer a request
	// within the I/O deadline. Timeouts are transient and safe to retry.
	ErrTimeout = errors.New("hvps: response timeout")
	// ErrProtocol is returned when the reply does not match the request,
	// usually after a desync. The input buffer is flushed before returning.
	ErrProtocol = errors.New("hvps: protocol violation")
	// ErrDeviceFault is wrapped by every FaultError.
	ErrDeviceFault = errors.New("hvps: device fault")
)

// FaultError reports a negative acknowledge from the instrument together
// with its fault code.
type FaultError struct {
	Cmd  byte
	Code byte
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("hvps: command 0x%02X rejected: %s (code %d)", e.Cmd, faultReason(e.Code), e.Code)
}

func (e *FaultError) Unwrap() error { return ErrDeviceFault }

// IsFault reports whether err is a device fault with the given code.
func IsFault(err error, code byte) bool {
	var fe *FaultError
	return errors.As(err, &fe) && fe.Code == code
}

func faultReason(code byte) string {
	switch code {
	case wire.FaultConversion:
		return "ADC conversion fault"
	case wire.FaultArgument:
		return "invalid argument"
	case wire.FaultCoeffsLocked:
		return "coefficients already loaded"
	case wire.FaultUnknownCmd:
		return "unknown command"
	default:
		return "unspecified fault"
	}
}
