package utils

import (
	"gonum.org/v1/gonum/mat"
)

// Concatenate multiple vectors into a single flat slice.
func Concat(parts ...[]float64) []float64 {
	size := 0
	for _, part := range parts {
		size += len(part)
	}
	out := make([]float64, size)
	offset := 0
	for _, part := range parts {
		offset += copy(out[offset:], part)
	}
	return out
}

// Identity Matrix.
func Eye(n int) *mat.SymDense {
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, 1)
	}
	return out
}

// Linspace returns n evenly spaced values over [lo, hi], endpoints included.
func Linspace(lo, hi float64, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	out[n-1] = hi
	return out
}

// Clamp x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
