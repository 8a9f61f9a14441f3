package covfit

import (
	"fmt"
	"math"

	"github.com/pcklink/decode-encode/kern"
	"github.com/pcklink/decode-encode/utils"
)

// Bound is a closed interval [Lo, Hi]. Lo == Hi pins the parameter.
type Bound struct {
	Lo float64
	Hi float64
}

func (b Bound) Mid() float64 {
	return b.Lo + 0.5*(b.Hi-b.Lo)
}

// Bounds per parameter group. Every tau shares the Tau bound.
type Bounds struct {
	Rho   Bound
	Sigma Bound
	Tau   Bound
}

func DefaultBounds() Bounds {
	return Bounds{
		Rho:   Bound{Lo: 0, Hi: 1},
		Sigma: Bound{Lo: -5, Hi: 50},
		Tau:   Bound{Lo: -5, Hi: 50},
	}
}

func (b Bounds) Validate() error {
	for _, c := range []struct {
		name string
		b    Bound
	}{{"rho", b.Rho}, {"sigma", b.Sigma}, {"tau", b.Tau}} {
		if math.IsNaN(c.b.Lo) || math.IsNaN(c.b.Hi) || math.IsInf(c.b.Lo, 0) || math.IsInf(c.b.Hi, 0) {
			return fmt.Errorf("%w: %s bound must be finite", ErrConfig, c.name)
		}
		if c.b.Lo > c.b.Hi {
			return fmt.Errorf("%w: %s bound [%v, %v] is empty", ErrConfig, c.name, c.b.Lo, c.b.Hi)
		}
	}
	if b.Rho.Lo < 0 || b.Rho.Hi > 1 {
		return fmt.Errorf("%w: rho bound [%v, %v] outside [0, 1]", ErrConfig, b.Rho.Lo, b.Rho.Hi)
	}
	return nil
}

// box expands Bounds for n voxels and maps between the box and an
// unconstrained space through x = lo + (hi-lo)*logistic(z), so that an
// unconstrained quasi-Newton method can minimise over the box.
type box struct {
	lo []float64
	hi []float64
}

// Relative distance from the walls at which starts are placed.
const wallEps = 1e-8

func newBox(b Bounds, n int) box {
	lo := make([]float64, kern.NumParams(n))
	hi := make([]float64, kern.NumParams(n))
	lo[kern.RhoIndex], hi[kern.RhoIndex] = b.Rho.Lo, b.Rho.Hi
	lo[kern.SigmaIndex], hi[kern.SigmaIndex] = b.Sigma.Lo, b.Sigma.Hi
	for i := kern.TauOffset; i < len(lo); i++ {
		lo[i], hi[i] = b.Tau.Lo, b.Tau.Hi
	}
	return box{lo: lo, hi: hi}
}

func (b box) mid() []float64 {
	x := make([]float64, len(b.lo))
	for i := range x {
		x[i] = b.lo[i] + 0.5*(b.hi[i]-b.lo[i])
	}
	return x
}

func (b box) clamp(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = utils.Clamp(v, b.lo[i], b.hi[i])
	}
	return out
}

func logistic(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func (b box) toBox(dst, z []float64) {
	for i, v := range z {
		dst[i] = b.lo[i] + (b.hi[i]-b.lo[i])*logistic(v)
	}
}

func (b box) fromBox(x []float64) []float64 {
	z := make([]float64, len(x))
	for i, v := range x {
		w := b.hi[i] - b.lo[i]
		if w == 0 {
			continue
		}
		u := utils.Clamp((v-b.lo[i])/w, wallEps, 1-wallEps)
		z[i] = math.Log(u / (1 - u))
	}
	return z
}

// chain converts a gradient with respect to x into one with respect to z.
func (b box) chain(grad, x []float64) {
	for i := range grad {
		w := b.hi[i] - b.lo[i]
		if w == 0 {
			grad[i] = 0
			continue
		}
		grad[i] *= (x[i] - b.lo[i]) * (b.hi[i] - x[i]) / w
	}
}
