package kern

import (
	"gonum.org/v1/gonum/mat"
)

var (
	feature *Feature
	_       Kernel = feature // Check that Feature respects the Kernel interface.
)

// Feature-driven noise: sigma^2 * gram.
type Feature struct {
	gram *mat.SymDense
}

func NewFeature(gram mat.Symmetric) *Feature {
	g := mat.NewSymDense(gram.SymmetricDim(), nil)
	g.CopySym(gram)
	return &Feature{gram: g}
}

func (k *Feature) Dim() int {
	return k.gram.SymmetricDim()
}

func (k *Feature) AddCov(dst *mat.SymDense, p Params) {
	n := k.Dim()
	scale := p.Sigma * p.Sigma
	raw := dst.RawSymmetric()
	g := k.gram.RawSymmetric()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			raw.Data[i*raw.Stride+j] += scale * g.Data[i*g.Stride+j]
		}
	}
}

func (k *Feature) AddGrad(grad []float64, p Params, w *mat.SymDense) {
	n := k.Dim()
	raw := w.RawSymmetric()
	g := k.gram.RawSymmetric()
	// inner = sum(w * gram) over the full matrix.
	inner := 0.0
	for i := 0; i < n; i++ {
		inner += raw.Data[i*raw.Stride+i] * g.Data[i*g.Stride+i]
		for j := i + 1; j < n; j++ {
			inner += 2 * raw.Data[i*raw.Stride+j] * g.Data[i*g.Stride+j]
		}
	}
	grad[SigmaIndex] += 2 * p.Sigma * inner
}
