package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/itohio/govcal/pkg/calib"
	"github.com/itohio/govcal/pkg/dmm"
	"github.com/itohio/govcal/pkg/hvps"
)

// minPairsForRatio delays the skew-ratio abort until enough pairs have
// been attempted to make the ratio meaningful.
const minPairsForRatio = 10

// Options configures a capture run.
type Options struct {
	Count              int           // Records to capture (0 = until Duration or cancel)
	Duration           time.Duration // Run length (0 = until Count or cancel)
	Interval           time.Duration // Pause between records
	Average            int           // Instrument reads averaged per record
	SkewTolerance      time.Duration // Max pairing skew
	Retries            int           // Retries per transient failure
	Backoff            time.Duration // First retry delay, doubled per attempt
	MaxSkewRejectRatio float64       // Abort threshold, 0 disables
	Range              string        // Range label stored with records
	Unit               string        // Unit label; meter's unit when empty

	// OnRecord is called after each accepted record, e.g. to publish
	// telemetry. May be nil.
	OnRecord func(calib.Record)
}

// Summary reports what a run did.
type Summary struct {
	Accepted     int
	SkewRejected int
	Started      time.Time
	Ended        time.Time
}

// Runner captures raw/reference records into a capture log.
type Runner struct {
	log  *calib.LogWriter
	opts Options
	acq  Acquirer
}

// NewRunner creates a capture runner on an open log.
func NewRunner(dev hvps.Device, meter dmm.Meter, logw *calib.LogWriter, opts Options) *Runner {
	if opts.Unit == "" && meter != nil {
		opts.Unit = meter.Unit()
	}
	return &Runner{
		log:  logw,
		opts: opts,
		acq: Acquirer{
			Device:        dev,
			Meter:         meter,
			Average:       opts.Average,
			SkewTolerance: opts.SkewTolerance,
			Retries:       opts.Retries,
			Backoff:       opts.Backoff,
		},
	}
}

// Run captures records until Count is reached, Duration elapses or the
// context is cancelled. Cancellation is a clean stop: the log keeps
// every accepted record and Run returns the summary without error.
func (r *Runner) Run(ctx context.Context) (summary Summary, err error) {
	if r.opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Duration)
		defer cancel()
	}

	summary.Started = time.Now()
	defer func() {
		summary.Ended = time.Now()
	}()

	for {
		if r.opts.Count > 0 && summary.Accepted >= r.opts.Count {
			return summary, nil
		}
		if err := ctx.Err(); err != nil {
			return summary, nil
		}

		if err := r.captureOne(ctx, 0, &summary); err != nil {
			if finished(err) {
				return summary, nil
			}
			return summary, err
		}

		if err := sleepCtx(ctx, r.opts.Interval); err != nil {
			return summary, nil
		}
	}
}

// captureOne acquires one pair and appends it with the given drive
// level. Skew rejects are counted and tolerated until the reject ratio
// crosses the threshold.
func (r *Runner) captureOne(ctx context.Context, level uint16, summary *Summary) error {
	pair, err := r.acq.PairRaw(ctx)
	if err != nil {
		var se *SkewError
		if errors.As(err, &se) {
			summary.SkewRejected++
			log.Printf("Dropped pair: %v", se)
			return r.checkSkewRatio(summary)
		}
		return err
	}

	rec := calib.Record{
		Seq:        pair.Seq,
		Raw:        pair.Raw,
		Reference:  pair.Ref.Value,
		Unit:       r.opts.Unit,
		Range:      r.opts.Range,
		Level:      level,
		DeviceAt:   pair.DeviceAt,
		MeterAt:    pair.Ref.At,
		SkewMicros: pair.Skew.Microseconds(),
	}
	if err := r.log.Append(rec); err != nil {
		return err
	}

	summary.Accepted++
	if r.opts.OnRecord != nil {
		r.opts.OnRecord(rec)
	}

	return nil
}

func (r *Runner) checkSkewRatio(summary *Summary) error {
	if r.opts.MaxSkewRejectRatio <= 0 {
		return nil
	}

	total := summary.Accepted + summary.SkewRejected
	if total < minPairsForRatio {
		return nil
	}

	ratio := float64(summary.SkewRejected) / float64(total)
	if ratio > r.opts.MaxSkewRejectRatio {
		return fmt.Errorf("%w: %d of %d pairs rejected", ErrTooManySkewRejects, summary.SkewRejected, total)
	}

	return nil
}

// finished reports whether an error only signals the end of the run.
func finished(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
