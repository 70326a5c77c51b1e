package calib

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

// SchemaVersion identifies the coefficient artifact layout.
const SchemaVersion = 1

// ErrNotFinite is returned when a correction evaluates outside the
// representable range.
var ErrNotFinite = errors.New("calib: correction result is not finite")

// FitStats summarizes fit quality over the records that produced a
// coefficient set.
type FitStats struct {
	Records     int     `json:"records"`
	DistinctRaw int     `json:"distinct_raw"`
	RSquared    float64 `json:"r_squared"` // Coefficient of determination (0-1)
	RMSE        float64 `json:"rmse"`      // Root mean square residual
	MaxAbsErr   float64 `json:"max_abs_error"`
	MeanAbsErr  float64 `json:"mean_abs_error"`
}

// CoefficientSet is a fitted correction polynomial
//
//	corrected = c[0] + c[1]*raw + ... + c[degree]*raw^degree
//
// with its provenance and quality statistics. It round-trips through a
// JSON artifact consumed by the verify tool and the firmware loader.
type CoefficientSet struct {
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	Unit          string    `json:"unit,omitempty"`
	Range         string    `json:"range,omitempty"`
	Degree        int       `json:"degree"`
	Coefficients  []float64 `json:"coefficients"` // Lowest order first
	Stats         FitStats  `json:"stats"`
}

// Validate checks internal consistency of a loaded artifact.
func (c *CoefficientSet) Validate() error {
	if c.SchemaVersion != SchemaVersion {
		return fmt.Errorf("calib: unsupported schema version %d (want %d)", c.SchemaVersion, SchemaVersion)
	}
	if c.Degree < 1 || c.Degree > MaxDegree {
		return fmt.Errorf("calib: degree %d out of range (1-%d)", c.Degree, MaxDegree)
	}
	if len(c.Coefficients) != c.Degree+1 {
		return fmt.Errorf("calib: %d coefficients do not match degree %d", len(c.Coefficients), c.Degree)
	}
	for i, v := range c.Coefficients {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("calib: coefficient %d is not finite", i)
		}
	}
	return nil
}

// Correct evaluates the polynomial at raw using Horner's scheme.
func (c *CoefficientSet) Correct(raw float64) (float64, error) {
	acc := 0.0
	for i := len(c.Coefficients) - 1; i >= 0; i-- {
		acc = acc*raw + c.Coefficients[i]
	}
	if math.IsNaN(acc) || math.IsInf(acc, 0) {
		return 0, fmt.Errorf("%w: raw %g", ErrNotFinite, raw)
	}
	return acc, nil
}

// Float32 narrows the coefficients for upload to the device, which
// evaluates the polynomial in single precision.
func (c *CoefficientSet) Float32() ([]float32, error) {
	out := make([]float32, len(c.Coefficients))
	for i, v := range c.Coefficients {
		f := float32(v)
		if math.IsInf(float64(f), 0) && !math.IsInf(v, 0) {
			return nil, fmt.Errorf("calib: coefficient %d (%g) overflows float32", i, v)
		}
		out[i] = f
	}
	return out, nil
}

// String returns a one-line summary of the set.
func (c *CoefficientSet) String() string {
	return fmt.Sprintf("CoefficientSet{Degree: %d, R²: %.6f, RMSE: %.4g, Records: %d}",
		c.Degree, c.Stats.RSquared, c.Stats.RMSE, c.Stats.Records)
}

// Save writes the artifact as indented JSON.
func (c *CoefficientSet) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal coefficients: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write coefficients %s: %w", path, err)
	}

	return nil
}

// LoadCoefficients reads and validates a coefficient artifact.
func LoadCoefficients(path string) (*CoefficientSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read coefficients %s: %w", path, err)
	}

	var c CoefficientSet
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse coefficients %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// WriteGoSource emits the coefficients as a Go array for compiling into
// the firmware, so a device can boot already calibrated.
func (c *CoefficientSet) WriteGoSource(w io.Writer, pkg, varName string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	coeffs, err := c.Float32()
	if err != nil {
		return err
	}
	if pkg == "" {
		pkg = "main"
	}
	if varName == "" {
		varName = "factoryCoeffs"
	}

	fmt.Fprintf(w, "// Code generated by govcal fit. DO NOT EDIT.\n")
	fmt.Fprintf(w, "//\n")
	fmt.Fprintf(w, "// Fitted %s", c.CreatedAt.Format(time.RFC3339))
	if c.Range != "" {
		fmt.Fprintf(w, ", range %q", c.Range)
	}
	if c.Unit != "" {
		fmt.Fprintf(w, ", unit %q", c.Unit)
	}
	fmt.Fprintf(w, ".\n// R² %.6f, RMSE %.4g over %d records.\n\n", c.Stats.RSquared, c.Stats.RMSE, c.Stats.Records)
	fmt.Fprintf(w, "//go:build tinygo\n\n")
	fmt.Fprintf(w, "package %s\n\n", pkg)
	fmt.Fprintf(w, "// %s holds the correction polynomial, lowest order first.\n", varName)
	fmt.Fprintf(w, "var %s = [...]float32{\n", varName)
	for _, v := range coeffs {
		fmt.Fprintf(w, "\t%v,\n", v)
	}
	fmt.Fprintf(w, "}\n")

	return nil
}
