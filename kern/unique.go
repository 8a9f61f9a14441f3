package kern

import (
	"gonum.org/v1/gonum/mat"
)

var (
	unique *Unique
	_      Kernel = unique // Check that Unique respects the Kernel interface.
)

// Unique noise: (1 - rho) * diag(tau^2).
type Unique struct {
	dim int
}

func NewUnique(dim int) *Unique {
	return &Unique{dim: dim}
}

func (k *Unique) Dim() int {
	return k.dim
}

func (k *Unique) AddCov(dst *mat.SymDense, p Params) {
	raw := dst.RawSymmetric()
	for i, t := range p.Tau[:k.dim] {
		raw.Data[i*raw.Stride+i] += (1 - p.Rho) * t * t
	}
}

func (k *Unique) AddGrad(grad []float64, p Params, w *mat.SymDense) {
	raw := w.RawSymmetric()
	for i, t := range p.Tau[:k.dim] {
		wii := raw.Data[i*raw.Stride+i]
		grad[RhoIndex] -= wii * t * t
		grad[TauOffset+i] += 2 * (1 - p.Rho) * wii * t
	}
}
