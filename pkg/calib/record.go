// Package calib holds the calibration data model: capture records, the
// append-only capture log, fitted coefficient sets and the polynomial
// correction they describe.
package calib

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Record pairs one averaged raw instrument reading with the reference
// meter value observed at the same moment. Records append to the capture
// log as JSON lines, one object per line.
type Record struct {
	Seq        uint32    `json:"seq,omitempty"`   // Instrument sequence of the last averaged sample
	Raw        float64   `json:"raw"`             // Averaged ADC counts
	Reference  float64   `json:"reference"`       // Reference meter value
	Unit       string    `json:"unit,omitempty"`  // Reference unit label
	Range      string    `json:"range,omitempty"` // Measurement range label
	Level      uint16    `json:"level,omitempty"` // Drive level during sweep captures
	DeviceAt   time.Time `json:"device_at"`
	MeterAt    time.Time `json:"meter_at"`
	SkewMicros int64     `json:"skew_us"` // |device_at - meter_at| in microseconds
}

// Skew returns the pairing skew as a duration.
func (r Record) Skew() time.Duration {
	return time.Duration(r.SkewMicros) * time.Microsecond
}

// LogWriter appends records to a capture log. Writes are flushed per
// record so an interrupted run loses at most the line being written.
type LogWriter struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
	n  int
}

// OpenLog opens (or creates) a capture log for appending.
func OpenLog(path string) (*LogWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture log %s: %w", path, err)
	}

	return &LogWriter{
		f: f,
		w: bufio.NewWriter(f),
	}, nil
}

// Append writes one record as a JSON line and flushes it.
func (l *LogWriter) Append(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return fmt.Errorf("capture log is closed")
	}
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush capture log: %w", err)
	}

	l.n++
	return nil
}

// Appended returns how many records this writer has appended.
func (l *LogWriter) Appended() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Sync flushes the log through to stable storage.
func (l *LogWriter) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

// Close flushes and closes the log.
func (l *LogWriter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}

	var first error
	if err := l.w.Flush(); err != nil {
		first = err
	}
	if err := l.f.Close(); err != nil && first == nil {
		first = err
	}
	l.f = nil

	return first
}

// ReadLog reads every record from a capture log. A missing file is an
// empty log. A line that does not parse fails the read with its line
// number, except a torn final line (an interrupted append), which is
// dropped with a warning so resumed captures keep working.
func ReadLog(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open capture log %s: %w", path, err)
	}
	defer f.Close()

	type parsed struct {
		rec  Record
		line int
		err  error
	}

	var entries []parsed
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			entries = append(entries, parsed{line: lineno, err: err})
			continue
		}
		entries = append(entries, parsed{rec: rec, line: lineno})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read capture log %s: %w", path, err)
	}

	records := make([]Record, 0, len(entries))
	for i, e := range entries {
		if e.err != nil {
			if i == len(entries)-1 {
				log.Printf("Dropping torn record at %s:%d: %v", path, e.line, e.err)
				break
			}
			return nil, fmt.Errorf("corrupt record at %s:%d: %w", path, e.line, e.err)
		}
		records = append(records, e.rec)
	}

	return records, nil
}

// LevelCounts tallies how many records exist per drive level. Sweep
// captures use it to skip levels already done in a resumed log.
func LevelCounts(records []Record) map[uint16]int {
	counts := make(map[uint16]int)
	for _, r := range records {
		counts[r.Level]++
	}
	return counts
}
