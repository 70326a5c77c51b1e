// Package verify judges a correction against the reference meter:
// corrected readings, produced host-side from the candidate polynomial
// or by the device itself, are paired with meter readings and judged
// against a tolerance, and the run is rejected when too many fail.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/govcal/pkg/calib"
	"github.com/itohio/govcal/pkg/capture"
	"github.com/itohio/govcal/pkg/dmm"
	"github.com/itohio/govcal/pkg/hvps"
	"github.com/itohio/govcal/pkg/wire"
)

// ErrCalibrationRejected reports that the failed fraction of judged
// pairs exceeded the allowed ratio. The Report carries the numbers.
var ErrCalibrationRejected = errors.New("verify: calibration rejected")

// Options configures a verification run.
type Options struct {
	Samples       int           // Pairs to judge
	Interval      time.Duration // Pause between pairs
	Tolerance     float64       // Max |corrected - reference| per pair
	MaxFailRatio  float64       // Rejection threshold, 0 disables
	Average       int           // Device reads averaged per pair
	SkewTolerance time.Duration // Max pairing skew
	Retries       int           // Retries per transient failure
	Backoff       time.Duration // First retry delay, doubled per attempt
	Unit          string        // Unit label; meter's unit when empty

	// Set is the candidate polynomial, applied host-side to raw
	// samples. When nil the device's resident correction is judged
	// over the wire instead.
	Set *calib.CoefficientSet

	// OnPair is called after each judged pair, e.g. to publish
	// telemetry. May be nil.
	OnPair func(capture.CorrectedPair)
}

// Runner drives a verification run.
type Runner struct {
	dev  hvps.Device
	opts Options
	acq  capture.Acquirer
}

// NewRunner creates a verification runner.
func NewRunner(dev hvps.Device, meter dmm.Meter, opts Options) *Runner {
	if opts.Unit == "" && meter != nil {
		opts.Unit = meter.Unit()
	}
	return &Runner{
		dev:  dev,
		opts: opts,
		acq: capture.Acquirer{
			Device:        dev,
			Meter:         meter,
			Average:       opts.Average,
			SkewTolerance: opts.SkewTolerance,
			Retries:       opts.Retries,
			Backoff:       opts.Backoff,
		},
	}
}

// Program converts an artifact to the device's float32 coefficients and
// loads them. The device refuses a second load per power cycle; callers
// that tolerate an already-programmed device should check for
// wire.FaultCoeffsLocked via hvps.IsFault.
func Program(dev hvps.Device, set *calib.CoefficientSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	coeffs, err := set.Float32()
	if err != nil {
		return err
	}
	if !finiteAtFullScale(coeffs) {
		return fmt.Errorf("verify: correction overflows at full scale: %w", calib.ErrNotFinite)
	}
	if err := dev.LoadCoefficients(coeffs); err != nil {
		return fmt.Errorf("failed to load coefficients: %w", err)
	}
	return nil
}

// finiteAtFullScale evaluates the polynomial at the top of the raw
// range in float32, the device's arithmetic, so an overflowing set is
// refused before it is uploaded.
func finiteAtFullScale(coeffs []float32) bool {
	acc := float32(0)
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = acc*wire.RawMax + coeffs[i]
	}
	return !math32.IsNaN(acc) && !math32.IsInf(acc, 0)
}

// Run judges pairs until Samples is reached or the context ends, then
// renders the verdict on whatever was judged. A report is returned
// either way; the error is ErrCalibrationRejected when the fail ratio
// crossed the threshold.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	report := Report{
		Tolerance: r.opts.Tolerance,
		Unit:      r.opts.Unit,
		Started:   time.Now(),
	}

	var sumAbs, sumSq float64
	for report.Total < r.opts.Samples {
		if ctx.Err() != nil {
			break
		}

		pair, err := r.pair(ctx)
		if err != nil {
			var se *capture.SkewError
			if errors.As(err, &se) {
				report.SkewRejected++
				log.Printf("Dropped pair: %v", se)
				if report.SkewRejected > 3*r.opts.Samples+10 {
					report.Ended = time.Now()
					return report, fmt.Errorf("%w: %d pairs rejected with %d judged",
						capture.ErrTooManySkewRejects, report.SkewRejected, report.Total)
				}
				continue
			}
			if finished(err) {
				break
			}
			report.Ended = time.Now()
			return report, err
		}

		if !pair.Calibrated {
			report.Uncalibrated++
		}

		absErr := math.Abs(pair.Value - pair.Ref.Value)
		report.Total++
		sumAbs += absErr
		sumSq += absErr * absErr
		if absErr > report.MaxAbsErr {
			report.MaxAbsErr = absErr
		}

		if absErr <= r.opts.Tolerance {
			report.Passed++
		} else {
			report.Failed++
			log.Printf("Pair %d failed: corrected %.4f, reference %.4f, error %.4g > %.4g",
				report.Total, pair.Value, pair.Ref.Value, absErr, r.opts.Tolerance)
		}

		if r.opts.OnPair != nil {
			r.opts.OnPair(pair)
		}

		if err := sleepCtx(ctx, r.opts.Interval); err != nil {
			break
		}
	}

	if report.Total > 0 {
		report.MeanAbsErr = sumAbs / float64(report.Total)
		report.RMSE = math.Sqrt(sumSq / float64(report.Total))
	}

	// Best effort: the fault counter distinguishes a noisy bench from
	// correction overflows.
	if faults, err := r.dev.Faults(); err != nil {
		log.Printf("Failed to read fault counter: %v", err)
	} else {
		report.Faults = faults
	}

	report.Ended = time.Now()

	if r.opts.MaxFailRatio > 0 && report.Total > 0 && report.FailRatio() > r.opts.MaxFailRatio {
		return report, fmt.Errorf("%w: %d of %d pairs outside %.4g %s",
			ErrCalibrationRejected, report.Failed, report.Total, r.opts.Tolerance, r.opts.Unit)
	}

	return report, nil
}

// pair produces one corrected/reference pairing in the configured
// mode: raw acquisition plus the candidate polynomial, or the device's
// own corrected stream.
func (r *Runner) pair(ctx context.Context) (capture.CorrectedPair, error) {
	if r.opts.Set == nil {
		return r.acq.PairCorrected(ctx)
	}

	raw, err := r.acq.PairRaw(ctx)
	if err != nil {
		return capture.CorrectedPair{}, err
	}
	value, err := r.opts.Set.Correct(raw.Raw)
	if err != nil {
		return capture.CorrectedPair{}, err
	}
	return capture.CorrectedPair{
		Value:      value,
		Calibrated: true,
		Seq:        raw.Seq,
		DeviceAt:   raw.DeviceAt,
		Ref:        raw.Ref,
		Skew:       raw.Skew,
	}, nil
}

func finished(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

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
