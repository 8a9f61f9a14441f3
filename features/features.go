// Package features turns per-voxel receptive fields into the pixel-space
// design matrix W and its Gram matrix.
package features

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/pcklink/decode-encode/rf"
	"github.com/pcklink/decode-encode/utils"
	"github.com/pcklink/decode-encode/voxel"
)

var (
	ErrGrid = errors.New("invalid pixel grid")
	ErrSize = errors.New("receptive-field size must be positive")
)

// GramKind selects how the voxel-by-voxel feature covariance is formed.
type GramKind string

const (
	// GramProduct is W*W^t.
	GramProduct GramKind = "product"
	// GramCovariance is the sample covariance of W across pixels.
	GramCovariance GramKind = "covariance"
)

// Grid is a square pixel grid spanning [Lo, Hi] on both axes.
type Grid struct {
	Lo         float64
	Hi         float64
	Resolution int
}

func (g Grid) Validate() error {
	if g.Resolution < 2 {
		return fmt.Errorf("%w: resolution %d < 2", ErrGrid, g.Resolution)
	}
	if !(g.Lo < g.Hi) {
		return fmt.Errorf("%w: extent [%v, %v]", ErrGrid, g.Lo, g.Hi)
	}
	return nil
}

// Pixels is the number of grid points.
func (g Grid) Pixels() int {
	return g.Resolution * g.Resolution
}

// Spacing between neighbouring grid points.
func (g Grid) Spacing() float64 {
	return (g.Hi - g.Lo) / float64(g.Resolution-1)
}

// Coords returns the flattened (row-major) coordinates of the grid: pixel
// k = i*Resolution + j sits at (x_j, y_i).
func (g Grid) Coords() (xs, ys []float64) {
	lin := utils.Linspace(g.Lo, g.Hi, g.Resolution)
	n := g.Resolution
	xs = make([]float64, n*n)
	ys = make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			xs[i*n+j] = lin[j]
			ys[i*n+j] = lin[i]
		}
	}
	return
}

// Space is the feature space of a filtered voxel subset.
type Space struct {
	Grid Grid
	// W has one row per voxel and one column per pixel (unit-peak profiles).
	W *mat.Dense
	// Normalized is W divided row-wise by the receptive field's
	// normalization constant 2*pi*size^2/spacing^2, giving unit integral.
	Normalized *mat.Dense
	// Gram is the voxels x voxels feature covariance.
	Gram *mat.SymDense
}

// Voxels returns the number of voxels, zero for an empty space.
func (s *Space) Voxels() int {
	if s.W == nil || s.W.IsEmpty() {
		return 0
	}
	r, _ := s.W.Dims()
	return r
}

func (s *Space) Pixels() int {
	return s.Grid.Pixels()
}

func (s *Space) Empty() bool {
	return s.Voxels() == 0
}

type options struct {
	gram GramKind
}

type Option func(*options)

// WithGram selects the Gram construction, GramProduct by default.
func WithGram(kind GramKind) Option {
	return func(o *options) {
		o.gram = kind
	}
}

// Build the feature space of vs on grid g. An empty voxel subset yields a
// Space with empty matrices and no error.
func Build(vs []voxel.Voxel, g Grid, gen rf.Generator, opts ...Option) (*Space, error) {
	o := options{gram: GramProduct}
	for _, opt := range opts {
		opt(&o)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if o.gram != GramProduct && o.gram != GramCovariance {
		return nil, fmt.Errorf("unknown gram kind %q", o.gram)
	}
	space := &Space{
		Grid:       g,
		W:          &mat.Dense{},
		Normalized: &mat.Dense{},
		Gram:       &mat.SymDense{},
	}
	if len(vs) == 0 {
		return space, nil
	}
	xs, ys, sizes, _, _, _ := voxel.Columns(vs)
	for i, s := range sizes {
		if !(s > 0) {
			return nil, fmt.Errorf("%w: voxel %d has size %v", ErrSize, i, s)
		}
	}
	ones := make([]float64, len(vs))
	for i := range ones {
		ones[i] = 1
	}
	gx, gy := g.Coords()
	space.W = gen.Generate(xs, ys, sizes, ones, gx, gy)

	d2 := g.Spacing() * g.Spacing()
	space.Normalized = mat.DenseCopyOf(space.W)
	for v, s := range sizes {
		row := space.Normalized.RawRowView(v)
		scale := d2 / (2 * math.Pi * s * s)
		for k := range row {
			row[k] *= scale
		}
	}

	switch o.gram {
	case GramProduct:
		// gram = dot(W, W.T)
		space.Gram = mat.NewSymDense(len(vs), nil)
		space.Gram.SymOuterK(1, space.W)
	case GramCovariance:
		space.Gram = &mat.SymDense{}
		stat.CovarianceMatrix(space.Gram, space.W.T(), nil)
	}
	return space, nil
}
