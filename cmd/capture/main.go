package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itohio/govcal/pkg/calib"
	"github.com/itohio/govcal/pkg/capture"
	"github.com/itohio/govcal/pkg/config"
	"github.com/itohio/govcal/pkg/dmm"
	"github.com/itohio/govcal/pkg/hvps"
	"github.com/itohio/govcal/pkg/telemetry"
)

func main() {
	var (
		portFlag      = flag.String("p", "", "Instrument serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag    = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag      = flag.Bool("mock", false, "Use mocked instrument and meter instead of serial ports")
		manualFlag    = flag.Bool("manual", false, "Type reference readings by hand instead of reading a meter port")
		listPortsFlag = flag.Bool("list-ports", false, "List available serial ports and exit")
		dmmPortFlag   = flag.String("dmm-port", "", "Reference meter port override")
		logFlag       = flag.String("log", "", "Capture log path override")
		rangeFlag     = flag.String("range", "", "Range label stored with records (overrides config)")
		countFlag     = flag.Int("count", -1, "Records to capture (overrides config)")
		durationFlag  = flag.Duration("duration", 0, "Run length (0 = use config)")
		intervalFlag  = flag.Duration("interval", 0, "Pause between records (0 = use config)")
		averageFlag   = flag.Int("average", -1, "Instrument reads averaged per record (overrides config)")
		windowFlag    = flag.Int("window", -1, "On-device averaging window to program before the run (overrides config, 0 = leave as is)")
		sweepFlag     = flag.Bool("sweep", false, "Step the drive level across the configured sweep range")
		sweepStart    = flag.Int("sweep-start", -1, "First sweep level (overrides config)")
		sweepEnd      = flag.Int("sweep-end", -1, "Last sweep level, inclusive (overrides config)")
		sweepStep     = flag.Int("sweep-step", -1, "Sweep level increment (overrides config)")
		perLevelFlag  = flag.Int("per-level", -1, "Records per sweep level (overrides config)")
	)
	flag.Parse()

	if *listPortsFlag {
		listPorts()
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Apply command line overrides
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *dmmPortFlag != "" {
		cfg.DMM.Port = *dmmPortFlag
	}
	if *logFlag != "" {
		cfg.Capture.Log = *logFlag
	}
	if *rangeFlag != "" {
		cfg.Capture.Range = *rangeFlag
	}
	if *countFlag >= 0 {
		cfg.Capture.Count = *countFlag
	}
	if *durationFlag > 0 {
		cfg.Capture.Duration = *durationFlag
	}
	if *intervalFlag > 0 {
		cfg.Capture.Interval = *intervalFlag
	}
	if *averageFlag >= 0 {
		cfg.Capture.Average = *averageFlag
	}
	if *windowFlag >= 0 {
		cfg.Capture.Window = *windowFlag
	}
	if *sweepStart >= 0 {
		cfg.Sweep.Start = uint16(*sweepStart)
	}
	if *sweepEnd >= 0 {
		cfg.Sweep.End = uint16(*sweepEnd)
	}
	if *sweepStep > 0 {
		cfg.Sweep.Step = uint16(*sweepStep)
	}
	if *perLevelFlag > 0 {
		cfg.Sweep.PerLevel = *perLevelFlag
	}

	device, meter := openInstruments(cfg, *mockFlag, *manualFlag)

	if err := device.Connect(); err != nil {
		log.Fatalf("Failed to connect to instrument: %v", err)
	}
	defer device.Close()
	if *mockFlag {
		fmt.Println("Using mocked instrument")
	} else {
		fmt.Printf("Connected to instrument: %s\n", cfg.Serial.Port)
	}

	if err := meter.Connect(); err != nil {
		log.Fatalf("Failed to connect to reference meter: %v", err)
	}
	defer meter.Close()

	if cfg.Capture.Window > 0 {
		if err := device.SetWindow(uint16(cfg.Capture.Window)); err != nil {
			log.Fatalf("Failed to set averaging window: %v", err)
		}
	}

	// Resume on the existing log if there is one
	existing, err := calib.ReadLog(cfg.Capture.Log)
	if err != nil {
		log.Fatalf("Failed to read capture log: %v", err)
	}
	if len(existing) > 0 {
		fmt.Printf("Resuming capture log %s with %d records\n", cfg.Capture.Log, len(existing))
	}

	logw, err := calib.OpenLog(cfg.Capture.Log)
	if err != nil {
		log.Fatalf("Failed to open capture log: %v", err)
	}
	defer logw.Close()

	pub, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Printf("Telemetry disabled: %v", err)
	}
	defer pub.Close()

	runner := capture.NewRunner(device, meter, logw, capture.Options{
		Count:              cfg.Capture.Count,
		Duration:           cfg.Capture.Duration,
		Interval:           cfg.Capture.Interval,
		Average:            cfg.Capture.Average,
		SkewTolerance:      cfg.Capture.SkewTolerance,
		Retries:            cfg.Capture.Retries,
		Backoff:            cfg.Capture.RetryBackoff,
		MaxSkewRejectRatio: cfg.Capture.MaxSkewRejectRatio,
		Range:              cfg.Capture.Range,
		OnRecord:           pub.PublishRecord,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	var summary capture.Summary
	if *sweepFlag {
		plan := capture.SweepPlan{
			Period:   cfg.Sweep.Period,
			Start:    cfg.Sweep.Start,
			End:      cfg.Sweep.End,
			Step:     cfg.Sweep.Step,
			PerLevel: cfg.Sweep.PerLevel,
			Settle:   cfg.Sweep.Settle,
			Stability: capture.StabilityOptions{
				Window:   cfg.Sweep.StabilityWindow,
				MaxSigma: cfg.Sweep.StabilityMaxSigma,
				Timeout:  cfg.Sweep.StabilityTimeout,
			},
		}
		summary, err = runner.RunSweep(ctx, plan, calib.LevelCounts(existing))
	} else {
		summary, err = runner.Run(ctx)
	}
	if err != nil {
		log.Fatalf("Capture failed after %d records: %v", summary.Accepted, err)
	}

	fmt.Printf("Captured %d records (%d skew-rejected) into %s in %v\n",
		summary.Accepted, summary.SkewRejected, cfg.Capture.Log,
		time.Since(started).Round(time.Millisecond))
}

// openInstruments builds the instrument and meter pair. The mocked
// instrument feeds its simulated output voltage to the mocked meter so
// both ends observe the same plant.
func openInstruments(cfg *config.Config, mock, manual bool) (hvps.Device, dmm.Meter) {
	if mock {
		dev := hvps.NewMock(&cfg.Mock)
		return dev, dmm.NewMock(dev.TrueVoltage, cfg.Mock.DMMNoise, cfg.DMM.Unit)
	}

	dev := hvps.NewSerial(cfg.Serial.Port, cfg.Serial.BaudRate, cfg.Serial.IOTimeout)
	if manual {
		return dev, dmm.NewManual(cfg.DMM.Unit)
	}
	return dev, dmm.NewSerial(cfg.DMM.Port, cfg.DMM.BaudRate, cfg.DMM.Query, cfg.DMM.Unit, cfg.DMM.IOTimeout)
}

func listPorts() {
	ports, err := hvps.Ports()
	if err != nil {
		log.Fatalf("Failed to list serial ports: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return
	}
	for _, p := range ports {
		if p.Description != "" {
			fmt.Printf("%s\t%s\n", p.Name, p.Description)
		} else {
			fmt.Println(p.Name)
		}
	}
}
