package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/itohio/govcal/pkg/calib"
	"github.com/itohio/govcal/pkg/capture"
	"github.com/itohio/govcal/pkg/config"
	"github.com/itohio/govcal/pkg/dmm"
	"github.com/itohio/govcal/pkg/hvps"
	"github.com/itohio/govcal/pkg/telemetry"
	"github.com/itohio/govcal/pkg/verify"
	"github.com/itohio/govcal/pkg/wire"
)

func main() {
	var (
		portFlag      = flag.String("p", "", "Instrument serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag    = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag      = flag.Bool("mock", false, "Use mocked instrument and meter instead of serial ports")
		manualFlag    = flag.Bool("manual", false, "Type reference readings by hand instead of reading a meter port")
		listPortsFlag = flag.Bool("list-ports", false, "List available serial ports and exit")
		dmmPortFlag   = flag.String("dmm-port", "", "Reference meter port override")
		coeffsFlag    = flag.String("coeffs", "", "Coefficient artifact path (defaults to the fit output path)")
		samplesFlag   = flag.Int("samples", -1, "Pairs to judge (overrides config)")
		toleranceFlag = flag.Float64("tolerance", -1, "Max |corrected - reference| to pass (overrides config)")
		maxFailFlag   = flag.Float64("max-fail", -1, "Rejection threshold as a failed fraction (overrides config)")
		onDeviceFlag  = flag.Bool("on-device", false, "Program the artifact and judge the device's own corrected stream")
		noLoadFlag    = flag.Bool("no-load", false, "Judge the coefficients already on the device instead of loading an artifact")
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
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *dmmPortFlag != "" {
		cfg.DMM.Port = *dmmPortFlag
	}
	if *samplesFlag >= 0 {
		cfg.Verify.Samples = *samplesFlag
	}
	if *toleranceFlag >= 0 {
		cfg.Verify.Tolerance = *toleranceFlag
	}
	if *maxFailFlag >= 0 {
		cfg.Verify.MaxFailRatio = *maxFailFlag
	}
	artifact := cfg.Fit.Out
	if *coeffsFlag != "" {
		artifact = *coeffsFlag
	}
	onDevice := *onDeviceFlag || *noLoadFlag

	var set *calib.CoefficientSet
	if !*noLoadFlag {
		set, err = calib.LoadCoefficients(artifact)
		if err != nil {
			log.Fatalf("Failed to load coefficient artifact: %v", err)
		}
		fmt.Println(set)
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

	if onDevice {
		if set != nil {
			err := verify.Program(device, set)
			switch {
			case err == nil:
				fmt.Println("Coefficients loaded")
			case hvps.IsFault(err, wire.FaultCoeffsLocked):
				log.Printf("Coefficients already loaded this boot, judging the resident set")
			default:
				log.Fatalf("Failed to program coefficients: %v", err)
			}
		}
		fmt.Println("Judging the device's corrected stream")
	}

	pub, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Printf("Telemetry disabled: %v", err)
	}
	defer pub.Close()

	opts := verify.Options{
		Samples:       cfg.Verify.Samples,
		Interval:      cfg.Verify.Interval,
		Tolerance:     cfg.Verify.Tolerance,
		MaxFailRatio:  cfg.Verify.MaxFailRatio,
		Average:       cfg.Capture.Average,
		SkewTolerance: cfg.Capture.SkewTolerance,
		Retries:       cfg.Capture.Retries,
		Backoff:       cfg.Capture.RetryBackoff,
		OnPair: func(p capture.CorrectedPair) {
			if err := pub.Publish("verify", p); err != nil {
				log.Printf("Telemetry: %v", err)
			}
		},
	}
	if !onDevice {
		opts.Set = set
	}
	runner := verify.NewRunner(device, meter, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := runner.Run(ctx)
	fmt.Println(report)
	if perr := pub.Publish("report", report); perr != nil {
		log.Printf("Telemetry: %v", perr)
	}

	if err != nil {
		if errors.Is(err, verify.ErrCalibrationRejected) {
			log.Fatalf("Verification failed: %v", err)
		}
		log.Fatalf("Verification aborted: %v", err)
	}
	fmt.Println("Calibration verified")
}

// openInstruments builds the instrument and meter pair, sharing the
// simulated plant in mock mode.
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
