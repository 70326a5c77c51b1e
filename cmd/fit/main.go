package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/itohio/govcal/pkg/calib"
	"github.com/itohio/govcal/pkg/config"
)

func main() {
	var (
		configFlag  = flag.String("config", "config.yaml", "Configuration file path")
		logFlag     = flag.String("log", "", "Capture log path override")
		degreeFlag  = flag.Int("degree", -1, "Polynomial degree (overrides config)")
		outFlag     = flag.String("out", "", "Coefficient artifact path override")
		rangeFlag   = flag.String("range", "", "Fit only records with this range label")
		emitGoFlag  = flag.String("emit-go", "", "Also write coefficients as a Go source file (for the firmware build)")
		emitPkgFlag = flag.String("emit-pkg", "main", "Package name for the emitted Go source")
		emitVarFlag = flag.String("emit-var", "factoryCoeffs", "Variable name for the emitted Go source")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logFlag != "" {
		cfg.Capture.Log = *logFlag
	}
	if *degreeFlag >= 0 {
		cfg.Fit.Degree = *degreeFlag
	}
	if *outFlag != "" {
		cfg.Fit.Out = *outFlag
	}

	records, err := calib.ReadLog(cfg.Capture.Log)
	if err != nil {
		log.Fatalf("Failed to read capture log: %v", err)
	}
	if len(records) == 0 {
		log.Fatalf("No records in %s, run a capture first", cfg.Capture.Log)
	}

	if *rangeFlag != "" {
		kept := records[:0]
		for _, rec := range records {
			if rec.Range == *rangeFlag {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			log.Fatalf("No records with range %q in %s", *rangeFlag, cfg.Capture.Log)
		}
		if len(kept) < len(records) {
			fmt.Printf("Fitting %d of %d records (range %q)\n", len(kept), len(records), *rangeFlag)
		}
		records = kept
	}

	set, err := calib.Fit(records, cfg.Fit.Degree)
	if err != nil {
		log.Fatalf("Fit failed: %v", err)
	}
	fmt.Println(set)

	if err := set.Save(cfg.Fit.Out); err != nil {
		log.Fatalf("Failed to save coefficients: %v", err)
	}
	fmt.Printf("Wrote %s\n", cfg.Fit.Out)

	if *emitGoFlag != "" {
		f, err := os.Create(*emitGoFlag)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", *emitGoFlag, err)
		}
		if err := set.WriteGoSource(f, *emitPkgFlag, *emitVarFlag); err != nil {
			f.Close()
			log.Fatalf("Failed to emit Go source: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("Failed to close %s: %v", *emitGoFlag, err)
		}
		fmt.Printf("Wrote %s\n", *emitGoFlag)
	}
}
