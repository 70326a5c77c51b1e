package verify

import (
	"fmt"
	"time"
)

// Report summarizes a verification run against the reference meter.
type Report struct {
	Total        int // Pairs judged
	Passed       int
	Failed       int
	SkewRejected int // Pairs dropped before judging
	Uncalibrated int // Pairs the device served without a correction

	MaxAbsErr  float64
	MeanAbsErr float64
	RMSE       float64

	Faults uint16 // Device faults drained after the run

	Tolerance float64
	Unit      string
	Started   time.Time
	Ended     time.Time
}

// FailRatio is the failed fraction of judged pairs, 0 when nothing was
// judged.
func (r Report) FailRatio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Failed) / float64(r.Total)
}

func (r Report) String() string {
	return fmt.Sprintf(
		"Report{Total: %d, Passed: %d, Failed: %d (%.1f%%), SkewRejected: %d, MaxAbsErr: %.4g %s, MeanAbsErr: %.4g %s, RMSE: %.4g %s, Tolerance: %.4g %s, Faults: %d}",
		r.Total, r.Passed, r.Failed, r.FailRatio()*100, r.SkewRejected,
		r.MaxAbsErr, r.Unit, r.MeanAbsErr, r.Unit, r.RMSE, r.Unit,
		r.Tolerance, r.Unit, r.Faults,
	)
}
