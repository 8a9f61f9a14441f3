package rf

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	gaussian *Gaussian
	_        Generator = gaussian // Check that Gaussian respects the Generator interface.
)

type Generator interface {
	// Generate the spatial profiles of a batch of receptive fields sampled
	// at the grid points (gx[k], gy[k]). The result has one row per
	// receptive field and one column per grid point. An empty batch yields
	// an empty matrix.
	Generate(cx, cy, sizes, amps, gx, gy []float64) *mat.Dense
}

// Isotropic 2-D Gaussian with unit peak (scaled by the amplitude).
type Gaussian struct{}

func NewGaussian() *Gaussian {
	return &Gaussian{}
}

func (g *Gaussian) Generate(cx, cy, sizes, amps, gx, gy []float64) *mat.Dense {
	n, p := len(cx), len(gx)
	if n == 0 || p == 0 {
		return &mat.Dense{}
	}
	if len(cy) != n || len(sizes) != n || len(amps) != n || len(gy) != p {
		panic(mat.ErrShape)
	}
	out := mat.NewDense(n, p, nil)
	for v := 0; v < n; v++ {
		row := out.RawRowView(v)
		denom := 2 * sizes[v] * sizes[v]
		for k := range row {
			dx := gx[k] - cx[v]
			dy := gy[k] - cy[v]
			row[k] = amps[v] * math.Exp(-(dx*dx+dy*dy)/denom)
		}
	}
	return out
}
