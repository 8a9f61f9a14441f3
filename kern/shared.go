package kern

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

var (
	shared *Shared
	_      Kernel = shared // Check that Shared respects the Kernel interface.
)

// Shared noise: rho * outer(tau, tau).
type Shared struct {
	dim int
}

func NewShared(dim int) *Shared {
	return &Shared{dim: dim}
}

func (k *Shared) Dim() int {
	return k.dim
}

func (k *Shared) AddCov(dst *mat.SymDense, p Params) {
	tau := blas64.Vector{N: k.dim, Inc: 1, Data: p.Tau}
	blas64.Syr(p.Rho, tau, dst.RawSymmetric())
}

func (k *Shared) AddGrad(grad []float64, p Params, w *mat.SymDense) {
	n := k.dim
	tau := blas64.Vector{N: n, Inc: 1, Data: p.Tau}
	wTau := blas64.Vector{N: n, Inc: 1, Data: make([]float64, n)}
	// wTau = dot(w, tau)
	blas64.Symv(1.0, w.RawSymmetric(), tau, 0.0, wTau)
	// d/drho = dot(tau, dot(w, tau))
	grad[RhoIndex] += blas64.Dot(tau, wTau)
	// d/dtau = 2 * rho * dot(w, tau)
	blas64.Axpy(2*p.Rho, wTau, blas64.Vector{N: n, Inc: 1, Data: grad[TauOffset:]})
}
