package calib

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// MaxDegree bounds the fit order. Device uploads carry at most
// MaxDegree+1 coefficients.
const MaxDegree = 8

var (
	// ErrInsufficientData is returned when the log does not hold enough
	// distinct raw values to determine the requested polynomial.
	ErrInsufficientData = errors.New("calib: insufficient distinct samples for fit")
	// ErrIllConditioned is returned when the sample distribution makes
	// the normal equations numerically unsolvable, e.g. all samples
	// clustered on a single raw value.
	ErrIllConditioned = errors.New("calib: normal equations are ill-conditioned")
)

// Fit computes the least-squares polynomial of the given degree mapping
// raw counts to reference readings,
//
//	reference ≈ c[0] + c[1]*raw + ... + c[degree]*raw^degree
//
// by solving the normal equations with Gaussian elimination. Raw values
// are centered and scaled to the unit interval for the solve, then the
// coefficients are expanded back to the raw basis the device evaluates.
// The unit and range labels of the result come from the first record
// that carries them.
func Fit(records []Record, degree int) (*CoefficientSet, error) {
	if degree < 1 || degree > MaxDegree {
		return nil, fmt.Errorf("calib: degree %d out of range (1-%d)", degree, MaxDegree)
	}

	distinct := countDistinctRaw(records)
	if distinct < degree+1 {
		return nil, fmt.Errorf("%w: %d distinct raw values, need at least %d for degree %d",
			ErrInsufficientData, distinct, degree+1, degree)
	}

	minRaw, maxRaw := records[0].Raw, records[0].Raw
	for _, r := range records[1:] {
		minRaw = math.Min(minRaw, r.Raw)
		maxRaw = math.Max(maxRaw, r.Raw)
	}
	center := (maxRaw + minRaw) / 2
	scale := (maxRaw - minRaw) / 2
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("%w: raw values span %g to %g", ErrIllConditioned, minRaw, maxRaw)
	}

	// Normal equations A x = b over the scaled variable t = (raw-center)/scale,
	// A[i][j] = sum t^(i+j), b[i] = sum reference * t^i.
	n := degree + 1
	A := make([][]float64, n)
	for i := range A {
		A[i] = make([]float64, n)
	}
	b := make([]float64, n)

	powers := make([]float64, 2*degree+1)
	for _, r := range records {
		t := (r.Raw - center) / scale
		p := 1.0
		for k := 0; k <= 2*degree; k++ {
			powers[k] = p
			p *= t
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				A[i][j] += powers[i+j]
			}
			b[i] += r.Reference * powers[i]
		}
	}

	scaled, err := solve(A, b)
	if err != nil {
		return nil, err
	}

	coeffs := expand(scaled, center, scale)

	set := &CoefficientSet{
		SchemaVersion: SchemaVersion,
		CreatedAt:     time.Now().UTC(),
		Degree:        degree,
		Coefficients:  coeffs,
	}
	for _, r := range records {
		if set.Unit == "" {
			set.Unit = r.Unit
		}
		if set.Range == "" {
			set.Range = r.Range
		}
		if set.Unit != "" && set.Range != "" {
			break
		}
	}

	stats, err := residuals(set, records)
	if err != nil {
		return nil, err
	}
	stats.DistinctRaw = distinct
	set.Stats = stats

	return set, nil
}

// Residuals recomputes fit statistics for a coefficient set against a
// record set, e.g. to judge an old artifact against fresh captures.
func Residuals(set *CoefficientSet, records []Record) (FitStats, error) {
	if err := set.Validate(); err != nil {
		return FitStats{}, err
	}
	stats, err := residuals(set, records)
	if err != nil {
		return FitStats{}, err
	}
	stats.DistinctRaw = countDistinctRaw(records)
	return stats, nil
}

func residuals(set *CoefficientSet, records []Record) (FitStats, error) {
	stats := FitStats{Records: len(records)}
	if len(records) == 0 {
		return stats, nil
	}

	meanRef := 0.0
	for _, r := range records {
		meanRef += r.Reference
	}
	meanRef /= float64(len(records))

	var ssRes, ssTot, sumAbs float64
	for _, r := range records {
		pred, err := set.Correct(r.Raw)
		if err != nil {
			return stats, err
		}
		resid := r.Reference - pred
		ssRes += resid * resid
		ssTot += (r.Reference - meanRef) * (r.Reference - meanRef)
		abs := math.Abs(resid)
		sumAbs += abs
		if abs > stats.MaxAbsErr {
			stats.MaxAbsErr = abs
		}
	}

	stats.RMSE = math.Sqrt(ssRes / float64(len(records)))
	stats.MeanAbsErr = sumAbs / float64(len(records))
	switch {
	case ssTot > 0:
		stats.RSquared = 1 - ssRes/ssTot
	case ssRes == 0:
		stats.RSquared = 1
	}

	return stats, nil
}

func countDistinctRaw(records []Record) int {
	seen := make(map[float64]struct{}, len(records))
	for _, r := range records {
		seen[r.Raw] = struct{}{}
	}
	return len(seen)
}

// solve runs Gaussian elimination with partial pivoting on A x = b.
// A and b are clobbered.
func solve(A [][]float64, b []float64) ([]float64, error) {
	n := len(b)

	// Forward elimination with partial pivoting
	for col := 0; col < n; col++ {
		pivot := col
		maxAbs := math.Abs(A[col][col])
		for r := col + 1; r < n; r++ {
			if math.Abs(A[r][col]) > maxAbs {
				maxAbs = math.Abs(A[r][col])
				pivot = r
			}
		}
		if maxAbs < 1e-12 {
			return nil, fmt.Errorf("%w: pivot %g at column %d", ErrIllConditioned, maxAbs, col)
		}
		if pivot != col {
			A[col], A[pivot] = A[pivot], A[col]
			b[col], b[pivot] = b[pivot], b[col]
		}
		for r := col + 1; r < n; r++ {
			factor := A[r][col] / A[col][col]
			for c := col; c < n; c++ {
				A[r][c] -= factor * A[col][c]
			}
			b[r] -= factor * b[col]
		}
	}

	// Back substitution
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := b[i]
		for j := i + 1; j < n; j++ {
			sum -= A[i][j] * x[j]
		}
		x[i] = sum / A[i][i]
	}

	return x, nil
}

// expand rewrites a polynomial in t = (x-center)/scale into the x basis
// by accumulating powers of the affine map.
func expand(scaled []float64, center, scale float64) []float64 {
	n := len(scaled)
	out := make([]float64, n)

	// basis = ((x - center)/scale)^i, built up by convolution with
	// (-center/scale) + (1/scale)*x.
	b0 := -center / scale
	b1 := 1 / scale

	basis := make([]float64, 1, n)
	basis[0] = 1
	for i := 0; i < n; i++ {
		for j, v := range basis {
			out[j] += scaled[i] * v
		}
		if i == n-1 {
			break
		}
		next := make([]float64, len(basis)+1)
		for j, v := range basis {
			next[j] += v * b0
			next[j+1] += v * b1
		}
		basis = next
	}

	return out
}
