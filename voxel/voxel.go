// Package voxel holds the fitted receptive-field parameters of single
// measurement units and the quality filter applied before any modelling.
package voxel

import (
	"errors"
)

// ErrNoVoxels is returned by every stage that cannot operate on an empty
// voxel subset.
var ErrNoVoxels = errors.New("no voxels passed the quality filter")

// Voxel is one measurement unit with its fitted receptive field.
type Voxel struct {
	X         float64 `yaml:"x"`         // Receptive-field center, horizontal (deg).
	Y         float64 `yaml:"y"`         // Receptive-field center, vertical (deg).
	Size      float64 `yaml:"size"`      // Standard deviation of the Gaussian (deg).
	N         float64 `yaml:"n"`         // Compressive exponent.
	Amplitude float64 `yaml:"amplitude"` // Response gain.
	Baseline  float64 `yaml:"baseline"`  // Response intercept.
	RSq       float64 `yaml:"rsq"`       // Variance explained by the fit.
}

// Filter keeps the voxels whose variance explained is strictly above
// threshold. The returned mask is aligned with vs.
func Filter(vs []Voxel, threshold float64) (kept []Voxel, mask []bool) {
	kept = make([]Voxel, 0, len(vs))
	mask = make([]bool, len(vs))
	for i, v := range vs {
		if v.RSq > threshold {
			kept = append(kept, v)
			mask[i] = true
		}
	}
	return
}

// Columns splits the parameters of vs into per-parameter slices.
func Columns(vs []Voxel) (xs, ys, sizes, ns, amps, baselines []float64) {
	n := len(vs)
	xs = make([]float64, n)
	ys = make([]float64, n)
	sizes = make([]float64, n)
	ns = make([]float64, n)
	amps = make([]float64, n)
	baselines = make([]float64, n)
	for i, v := range vs {
		xs[i] = v.X
		ys[i] = v.Y
		sizes[i] = v.Size
		ns[i] = v.N
		amps[i] = v.Amplitude
		baselines[i] = v.Baseline
	}
	return
}
