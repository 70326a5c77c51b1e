//go:build tinygo

package main

import "github.com/chewxy/math32"

// correct evaluates the correction polynomial at raw in float32, the
// same arithmetic the host uses when narrowing coefficients. The second
// return is false when the result is not finite.
func correct(raw uint16) (float32, bool) {
	if coeffCount == 0 {
		return float32(raw), true
	}

	x := float32(raw)
	acc := coeffs[coeffCount-1]
	for i := int(coeffCount) - 2; i >= 0; i-- {
		acc = acc*x + coeffs[i]
	}

	if math32.IsNaN(acc) || math32.IsInf(acc, 0) {
		return 0, false
	}
	return acc, true
}

// loadFactoryCoefficients seeds the correction from the baked-in set.
// Factory coefficients do not take the upload lock, so a calibration
// run may still replace them once per boot.
func loadFactoryCoefficients() {
	if len(factoryCoeffs) == 0 || len(factoryCoeffs) > len(coeffs) {
		return
	}
	for i, c := range factoryCoeffs {
		coeffs[i] = c
	}
	coeffCount = uint8(len(factoryCoeffs))
}
