//go:build tinygo

// Default factory coefficients: empty, the device boots uncalibrated.
// Replace this file with the fit tool's -emit-go output to bake a
// calibration into the build.

package main

var factoryCoeffs = [...]float32{}
