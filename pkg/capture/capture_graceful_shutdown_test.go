package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/govcal/pkg/calib"
)

// TestRunner_GracefulShutdown tests that cancelling a run mid-flight is
// a clean stop: Run returns without error and every accepted record is
// readable from the log.
func TestRunner_GracefulShutdown(t *testing.T) {
	dev := &stubDevice{value: 1234}
	meter := &stubMeter{value: 815}
	logw, path := openTestLog(t)

	recorded := make(chan struct{}, 100)
	r := NewRunner(dev, meter, logw, Options{
		// No Count or Duration: runs until cancelled.
		Interval:      time.Millisecond,
		SkewTolerance: time.Second,
		OnRecord:      func(calib.Record) { recorded <- struct{}{} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		summary Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := r.Run(ctx)
		done <- result{summary, err}
	}()

	// Wait for a few records before pulling the plug.
	for i := 0; i < 3; i++ {
		select {
		case <-recorded:
		case <-time.After(2 * time.Second):
			t.Fatal("No record captured within timeout")
		}
	}
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.NoError(t, res.err, "cancellation is a clean stop, not an error")
	assert.GreaterOrEqual(t, res.summary.Accepted, 3)
	assert.False(t, res.summary.Ended.IsZero())

	// The partial log parses cleanly and holds everything accepted.
	require.NoError(t, logw.Close())
	records, err := calib.ReadLog(path)
	require.NoError(t, err)
	assert.Len(t, records, res.summary.Accepted)
}

// TestRunner_RunSweep_GracefulShutdown tests that a cancelled sweep
// still idles the output stage on the way out.
func TestRunner_RunSweep_GracefulShutdown(t *testing.T) {
	dev := &stubDevice{value: 500}
	meter := &stubMeter{value: 350}
	logw, _ := openTestLog(t)

	recorded := make(chan struct{}, 100)
	r := NewRunner(dev, meter, logw, Options{
		Interval:      time.Millisecond,
		SkewTolerance: time.Second,
		OnRecord:      func(calib.Record) { recorded <- struct{}{} },
	})
	plan := SweepPlan{Period: 1024, Start: 0, End: 1024, Step: 1, PerLevel: 100}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.RunSweep(ctx, plan, nil)
		done <- err
	}()

	select {
	case <-recorded:
	case <-time.After(2 * time.Second):
		t.Fatal("No record captured within timeout")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunSweep did not return after cancel")
	}

	// Drive level zeroed and output disabled on the way out.
	dev.mu.Lock()
	defer dev.mu.Unlock()
	require.NotEmpty(t, dev.outputs)
	assert.False(t, dev.outputs[len(dev.outputs)-1])
	assert.Equal(t, uint16(0), dev.level.Width)
}
