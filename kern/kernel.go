package kern

import (
	"gonum.org/v1/gonum/mat"

	"github.com/pcklink/decode-encode/utils"
)

// Positions in the flat parameter vector (rho, sigma, tau_1 ... tau_V).
const (
	RhoIndex   = 0
	SigmaIndex = 1
	TauOffset  = 2
)

// NumParams returns the length of the flat parameter vector for n voxels.
func NumParams(n int) int {
	return n + TauOffset
}

// Params of the structured noise covariance.
type Params struct {
	Rho   float64   // Mixing weight between shared and unique noise.
	Sigma float64   // Scale of the feature-driven noise.
	Tau   []float64 // Per-voxel noise amplitudes.
}

// ParamsFromVec views x as a parameter set. Tau aliases x.
func ParamsFromVec(x []float64) Params {
	return Params{
		Rho:   x[RhoIndex],
		Sigma: x[SigmaIndex],
		Tau:   x[TauOffset:],
	}
}

// Vec flattens p into (rho, sigma, tau...).
func (p Params) Vec() []float64 {
	return utils.Concat([]float64{p.Rho, p.Sigma}, p.Tau)
}

type Kernel interface {
	// Number of voxels :math:`V`.
	Dim() int

	// Accumulate the term :math:`K(p)` into dst.
	AddCov(dst *mat.SymDense, p Params)

	// Accumulate into grad the derivative of :math:`\sum_{ij} w_{ij} K_{ij}(p)`
	// with respect to the flat parameter vector.
	AddGrad(grad []float64, p Params, w *mat.SymDense)
}

// Cov evaluates the covariance of k at p.
func Cov(k Kernel, p Params) *mat.SymDense {
	out := mat.NewSymDense(k.Dim(), nil)
	k.AddCov(out, p)
	return out
}

// NewModel builds the three-component noise model
//
//	rho*outer(tau, tau) + (1-rho)*diag(outer(tau, tau)) + sigma^2*gram
func NewModel(gram mat.Symmetric) *Add {
	n := gram.SymmetricDim()
	return NewAdd(NewAdd(NewShared(n), NewUnique(n)), NewFeature(gram))
}
