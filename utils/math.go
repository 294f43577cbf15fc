// Package utils contains small shared helpers for math, averaging, and
// goroutine management used across the point cloud packages.
package utils

import (
	"math"
)

func DegToRad(degrees float64) float64 {
	return degrees * math.Pi / 180
}

func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ClampInt returns n limited to the closed interval [min, max].
func ClampInt(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// Clamp returns x limited to the closed interval [min, max].
func Clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}

// Math.pow( x, 2 ) is slow, this is faster
func Square(n float64) float64 {
	return n * n
}
