package covfit

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/pcklink/decode-encode/kern"
)

// objective is the squared Frobenius distance between an empirical
// covariance and the structured model. It only reads its matrices and is
// safe for concurrent use.
type objective struct {
	n        int
	observed *mat.SymDense
	model    *kern.Add
}

func newObjective(observed, gram mat.Symmetric) *objective {
	n := observed.SymmetricDim()
	obs := mat.NewSymDense(n, nil)
	obs.CopySym(observed)
	return &objective{
		n:        n,
		observed: obs,
		model:    kern.NewModel(gram),
	}
}

// diff returns observed - model(x).
func (o *objective) diff(x []float64) *mat.SymDense {
	d := mat.NewSymDense(o.n, nil)
	o.model.AddCov(d, kern.ParamsFromVec(x))
	raw := d.RawSymmetric()
	obs := o.observed.RawSymmetric()
	for i := 0; i < o.n; i++ {
		for j := i; j < o.n; j++ {
			raw.Data[i*raw.Stride+j] = obs.Data[i*obs.Stride+j] - raw.Data[i*raw.Stride+j]
		}
	}
	return d
}

// Func is sum((observed - model)^2) over the full matrix.
func (o *objective) Func(x []float64) float64 {
	raw := o.diff(x).RawSymmetric()
	loss := 0.0
	for i := 0; i < o.n; i++ {
		v := raw.Data[i*raw.Stride+i]
		loss += v * v
		for j := i + 1; j < o.n; j++ {
			v = raw.Data[i*raw.Stride+j]
			loss += 2 * v * v
		}
	}
	return loss
}

// Grad of Func: d loss / dx = -2 * sum(diff .* d model / dx).
func (o *objective) Grad(grad, x []float64) {
	for i := range grad {
		grad[i] = 0
	}
	o.model.AddGrad(grad, kern.ParamsFromVec(x), o.diff(x))
	floats.Scale(-2, grad)
}

// Loss evaluates the fit objective of p against an empirical covariance
// for a given feature Gram matrix.
func Loss(observed, gram mat.Symmetric, p kern.Params) float64 {
	return newObjective(observed, gram).Func(p.Vec())
}
