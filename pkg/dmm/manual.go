package dmm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Manual prompts the operator to type readings from a meter that has no
// data interface. Each Read blocks until a number is entered; the
// reading is stamped at the moment the operator confirms it.
type Manual struct {
	in        *bufio.Reader
	out       io.Writer
	unit      string
	connected bool
}

// Ensure Manual implements Meter.
var _ Meter = (*Manual)(nil)

// NewManual creates an operator-driven meter reading from stdin.
func NewManual(unit string) *Manual {
	return NewManualIO(os.Stdin, os.Stdout, unit)
}

// NewManualIO creates an operator-driven meter on explicit streams.
func NewManualIO(in io.Reader, out io.Writer, unit string) *Manual {
	if unit == "" {
		unit = "V"
	}
	return &Manual{
		in:   bufio.NewReader(in),
		out:  out,
		unit: unit,
	}
}

// Connect marks the meter ready. There is nothing to open.
func (m *Manual) Connect() error {
	m.connected = true
	return nil
}

// Close marks the meter closed.
func (m *Manual) Close() error {
	m.connected = false
	return nil
}

// IsConnected returns whether Connect was called.
func (m *Manual) IsConnected() bool { return m.connected }

// Unit returns the unit label of Read values.
func (m *Manual) Unit() string { return m.unit }

// Interactive reports true; readings arrive at the operator's pace.
func (m *Manual) Interactive() bool { return true }

// Read prompts until the operator enters a valid number. An exhausted
// input stream yields ErrClosed so batch runs fail cleanly.
func (m *Manual) Read() (Reading, error) {
	if !m.connected {
		return Reading{}, ErrNotConnected
	}

	for {
		fmt.Fprintf(m.out, "meter reading [%s]: ", m.unit)

		line, err := m.in.ReadString('\n')
		if err != nil {
			if err == io.EOF && strings.TrimSpace(line) == "" {
				return Reading{}, ErrClosed
			}
			if err != io.EOF {
				return Reading{}, fmt.Errorf("read input: %w", err)
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		value, perr := strconv.ParseFloat(line, 64)
		if perr != nil {
			fmt.Fprintf(m.out, "not a number: %q\n", line)
			if err == io.EOF {
				return Reading{}, ErrClosed
			}
			continue
		}

		return Reading{Value: value, At: time.Now()}, nil
	}
}
