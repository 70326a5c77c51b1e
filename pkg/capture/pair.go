// Package capture drives paired sample acquisition: the instrument and
// the reference meter are read concurrently, pairs with too much
// timestamp skew are rejected, transient I/O failures are retried with
// backoff, and accepted pairs append to the capture log. Readings an
// operator types by hand are exempt from the skew gate.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/itohio/govcal/pkg/dmm"
	"github.com/itohio/govcal/pkg/hvps"
)

var (
	// ErrUnresponsive is returned when a device keeps failing after the
	// configured retries.
	ErrUnresponsive = errors.New("capture: device unresponsive")
	// ErrTooManySkewRejects is returned when the skew reject ratio
	// exceeds its threshold, which usually means the host is overloaded
	// or a device is mispaced.
	ErrTooManySkewRejects = errors.New("capture: too many skew-rejected pairs")
)

// SkewError reports a pair whose timestamps drifted apart beyond the
// tolerance. The pair is dropped, not logged.
type SkewError struct {
	Skew      time.Duration
	Tolerance time.Duration
}

func (e *SkewError) Error() string {
	return fmt.Sprintf("capture: pair skew %v exceeds tolerance %v", e.Skew, e.Tolerance)
}

// Pair is one accepted raw/reference pairing.
type Pair struct {
	Raw      float64   // Averaged ADC counts
	Seq      uint32    // Sequence of the last averaged sample
	DeviceAt time.Time // Midpoint of the instrument reads
	Ref      dmm.Reading
	Skew     time.Duration
}

// CorrectedPair is one accepted corrected/reference pairing.
type CorrectedPair struct {
	Value      float64
	Calibrated bool
	Seq        uint32
	DeviceAt   time.Time
	Ref        dmm.Reading
	Skew       time.Duration
}

// Acquirer reads both instruments concurrently and enforces the pairing
// rules. The zero tolerance and retry values are usable but strict:
// every pair must land within one millisecond and nothing is retried.
type Acquirer struct {
	Device        hvps.Device
	Meter         dmm.Meter
	Average       int           // Instrument reads averaged per pair, min 1
	SkewTolerance time.Duration // Max |device time - meter time|
	Retries       int           // Extra attempts per transient failure
	Backoff       time.Duration // First retry delay, doubled per attempt
}

// PairRaw acquires one raw/reference pair.
func (a *Acquirer) PairRaw(ctx context.Context) (Pair, error) {
	type devResult struct {
		value float64
		seq   uint32
		at    time.Time
		err   error
	}
	type metResult struct {
		reading dmm.Reading
		err     error
	}

	devCh := make(chan devResult, 1)
	metCh := make(chan metResult, 1)

	go func() {
		value, seq, at, err := a.readAveraged(ctx)
		devCh <- devResult{value: value, seq: seq, at: at, err: err}
	}()
	go func() {
		reading, err := a.readReference(ctx)
		metCh <- metResult{reading: reading, err: err}
	}()

	dev := <-devCh
	met := <-metCh
	if dev.err != nil {
		return Pair{}, dev.err
	}
	if met.err != nil {
		return Pair{}, met.err
	}

	skew := absSkew(dev.at, met.reading.At)
	if err := a.checkSkew(skew); err != nil {
		return Pair{}, err
	}

	return Pair{
		Raw:      dev.value,
		Seq:      dev.seq,
		DeviceAt: dev.at,
		Ref:      met.reading,
		Skew:     skew,
	}, nil
}

// PairCorrected acquires one corrected/reference pair. The instrument
// value passes through the on-device correction polynomial.
func (a *Acquirer) PairCorrected(ctx context.Context) (CorrectedPair, error) {
	type devResult struct {
		value      float64
		calibrated bool
		seq        uint32
		at         time.Time
		err        error
	}
	type metResult struct {
		reading dmm.Reading
		err     error
	}

	devCh := make(chan devResult, 1)
	metCh := make(chan metResult, 1)

	go func() {
		value, calibrated, seq, at, err := a.readCorrectedAveraged(ctx)
		devCh <- devResult{value: value, calibrated: calibrated, seq: seq, at: at, err: err}
	}()
	go func() {
		reading, err := a.readReference(ctx)
		metCh <- metResult{reading: reading, err: err}
	}()

	dev := <-devCh
	met := <-metCh
	if dev.err != nil {
		return CorrectedPair{}, dev.err
	}
	if met.err != nil {
		return CorrectedPair{}, met.err
	}

	skew := absSkew(dev.at, met.reading.At)
	if err := a.checkSkew(skew); err != nil {
		return CorrectedPair{}, err
	}

	return CorrectedPair{
		Value:      dev.value,
		Calibrated: dev.calibrated,
		Seq:        dev.seq,
		DeviceAt:   dev.at,
		Ref:        met.reading,
		Skew:       skew,
	}, nil
}

// ReadRaw reads one averaged raw value without a reference pairing,
// used by the sweep stability wait.
func (a *Acquirer) ReadRaw(ctx context.Context) (float64, error) {
	value, _, _, err := a.readAveraged(ctx)
	return value, err
}

func (a *Acquirer) readAveraged(ctx context.Context) (float64, uint32, time.Time, error) {
	n := a.Average
	if n < 1 {
		n = 1
	}

	var (
		sum           float64
		seq           uint32
		first, lastAt time.Time
	)
	for i := 0; i < n; i++ {
		var sample hvps.RawSample
		err := a.retry(ctx, "read sample", func() error {
			var e error
			sample, e = a.Device.ReadSample()
			return e
		})
		if err != nil {
			return 0, 0, time.Time{}, err
		}

		sum += float64(sample.Value)
		seq = sample.Seq
		if i == 0 {
			first = sample.At
		}
		lastAt = sample.At
	}

	mid := first.Add(lastAt.Sub(first) / 2)
	return sum / float64(n), seq, mid, nil
}

func (a *Acquirer) readCorrectedAveraged(ctx context.Context) (float64, bool, uint32, time.Time, error) {
	n := a.Average
	if n < 1 {
		n = 1
	}

	var (
		sum           float64
		calibrated    bool
		seq           uint32
		first, lastAt time.Time
	)
	for i := 0; i < n; i++ {
		var sample hvps.CorrectedSample
		err := a.retry(ctx, "read corrected sample", func() error {
			var e error
			sample, e = a.Device.ReadCorrected()
			return e
		})
		if err != nil {
			return 0, false, 0, time.Time{}, err
		}

		sum += float64(sample.Value)
		calibrated = sample.Calibrated
		seq = sample.Seq
		if i == 0 {
			first = sample.At
		}
		lastAt = sample.At
	}

	mid := first.Add(lastAt.Sub(first) / 2)
	return sum / float64(n), calibrated, seq, mid, nil
}

func (a *Acquirer) readReference(ctx context.Context) (dmm.Reading, error) {
	var reading dmm.Reading
	err := a.retry(ctx, "read reference", func() error {
		var e error
		reading, e = a.Meter.Read()
		return e
	})
	return reading, err
}

// retry runs op, retrying transient failures with doubling backoff.
// Device faults and other permanent errors propagate immediately.
func (a *Acquirer) retry(ctx context.Context, what string, op func() error) error {
	backoff := a.Backoff
	var last error

	for attempt := 0; attempt <= a.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		last = op()
		if last == nil {
			return nil
		}
		if !transient(last) {
			return last
		}
		log.Printf("%s failed (attempt %d of %d): %v", what, attempt+1, a.Retries+1, last)
	}

	return fmt.Errorf("%s: %w (last error: %w)", what, ErrUnresponsive, last)
}

// transient reports whether an error is worth retrying. Device faults
// are deliberate answers, not glitches, and are never retried.
func transient(err error) bool {
	return errors.Is(err, hvps.ErrTimeout) ||
		errors.Is(err, hvps.ErrProtocol) ||
		errors.Is(err, dmm.ErrTimeout) ||
		errors.Is(err, dmm.ErrBadReading)
}

// checkSkew enforces the pairing tolerance. Operator-typed references
// are exempt: their timestamps measure typing pace, not instrument
// drift. The skew is still recorded with the pair.
func (a *Acquirer) checkSkew(skew time.Duration) error {
	if a.Meter.Interactive() {
		return nil
	}
	if skew > a.tolerance() {
		return &SkewError{Skew: skew, Tolerance: a.tolerance()}
	}
	return nil
}

func (a *Acquirer) tolerance() time.Duration {
	if a.SkewTolerance > 0 {
		return a.SkewTolerance
	}
	return time.Millisecond
}

func absSkew(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
