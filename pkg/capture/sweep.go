package capture

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"
)

// SweepPlan steps the drive level across a range, capturing records at
// each level. Levels already present in a resumed log are skipped.
type SweepPlan struct {
	Period   uint16        // Drive period programmed with every level
	Start    uint16        // First level (pulse width)
	End      uint16        // Last level, inclusive
	Step     uint16        // Level increment
	PerLevel int           // Records per level, min 1
	Settle   time.Duration // Fixed wait after a level change

	// Stability waits for the output to settle after the fixed wait.
	// The zero value disables the wait.
	Stability StabilityOptions
}

// StabilityOptions bounds the settling wait: sampling continues until
// the standard deviation over Window consecutive raw reads drops to
// MaxSigma counts, or Timeout passes and the sweep proceeds anyway.
type StabilityOptions struct {
	Window   int
	MaxSigma float64
	Timeout  time.Duration
}

func (s StabilityOptions) enabled() bool {
	return s.Window > 1 && s.MaxSigma > 0
}

// Validate checks the plan bounds.
func (p SweepPlan) Validate() error {
	if p.Period == 0 {
		return fmt.Errorf("capture: sweep period must be positive")
	}
	if p.Step == 0 {
		return fmt.Errorf("capture: sweep step must be positive")
	}
	if p.Start > p.End {
		return fmt.Errorf("capture: sweep start %d beyond end %d", p.Start, p.End)
	}
	if p.End > p.Period {
		return fmt.Errorf("capture: sweep end %d beyond period %d", p.End, p.Period)
	}
	return nil
}

// RunSweep captures records across the planned levels. done carries
// per-level record counts from a resumed log (see calib.LevelCounts);
// levels that already hold PerLevel records are skipped. The output
// stage is enabled for the sweep and idled again before returning.
func (r *Runner) RunSweep(ctx context.Context, plan SweepPlan, done map[uint16]int) (summary Summary, err error) {
	summary.Started = time.Now()
	defer func() {
		summary.Ended = time.Now()
	}()

	if err := plan.Validate(); err != nil {
		return summary, err
	}
	perLevel := plan.PerLevel
	if perLevel < 1 {
		perLevel = 1
	}

	if err := r.command(ctx, "enable output", func() error {
		if err := r.acq.Device.SetLevel(plan.Period, plan.Start); err != nil {
			return err
		}
		return r.acq.Device.SetOutput(true)
	}); err != nil {
		return summary, err
	}

	// Leave the output idle however the sweep ends.
	defer func() {
		if err := r.acq.Device.SetLevel(plan.Period, 0); err != nil {
			log.Printf("Failed to zero drive level: %v", err)
		}
		if err := r.acq.Device.SetOutput(false); err != nil {
			log.Printf("Failed to disable output: %v", err)
		}
	}()

	for lv := int(plan.Start); lv <= int(plan.End); lv += int(plan.Step) {
		level := uint16(lv)
		if done[level] >= perLevel {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, nil
		}

		if err := r.command(ctx, "set level", func() error {
			return r.acq.Device.SetLevel(plan.Period, level)
		}); err != nil {
			if finished(err) {
				return summary, nil
			}
			return summary, err
		}

		if err := sleepCtx(ctx, plan.Settle); err != nil {
			return summary, nil
		}
		if plan.Stability.enabled() {
			if err := r.waitStable(ctx, plan.Stability); err != nil {
				if finished(err) {
					return summary, nil
				}
				return summary, err
			}
		}

		for taken := done[level]; taken < perLevel; {
			before := summary.Accepted
			if err := r.captureOne(ctx, level, &summary); err != nil {
				if finished(err) {
					return summary, nil
				}
				return summary, err
			}
			if summary.Accepted > before {
				taken++
			}
			if err := sleepCtx(ctx, r.opts.Interval); err != nil {
				return summary, nil
			}
		}
	}

	return summary, nil
}

// command runs a control operation through the retry policy.
func (r *Runner) command(ctx context.Context, what string, op func() error) error {
	return r.acq.retry(ctx, what, op)
}

// stabilityPollInterval paces the settling samples.
const stabilityPollInterval = 20 * time.Millisecond

// waitStable samples the instrument until the output stops moving, or
// the timeout passes and the sweep proceeds with whatever it has.
func (r *Runner) waitStable(ctx context.Context, opts StabilityOptions) error {
	deadline := time.Now().Add(opts.Timeout)
	window := make([]float64, 0, opts.Window)

	for {
		value, err := r.acq.ReadRaw(ctx)
		if err != nil {
			return err
		}

		window = append(window, value)
		if len(window) > opts.Window {
			window = window[1:]
		}
		if len(window) == opts.Window {
			if sigma := stddev(window); sigma <= opts.MaxSigma {
				return nil
			}
		}

		if opts.Timeout > 0 && time.Now().After(deadline) {
			log.Printf("Output not stable after %v (sigma %.2f), proceeding", opts.Timeout, stddev(window))
			return nil
		}
		if err := sleepCtx(ctx, stabilityPollInterval); err != nil {
			return err
		}
	}
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}

	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	varsum := 0.0
	for _, x := range xs {
		varsum += (x - mean) * (x - mean)
	}

	return math.Sqrt(varsum / float64(len(xs)))
}
