package kern

import (
	"gonum.org/v1/gonum/mat"
)

var (
	add *Add
	_   Kernel = add // Check that Add respects the Kernel interface.
)

type Add struct {
	parts []Kernel
	dim   int
}

func NewAdd(first, second Kernel) *Add {
	if first.Dim() != second.Dim() {
		panic(mat.ErrShape)
	}
	parts := make([]Kernel, 0, 2)
	switch first := first.(type) {
	case *Add:
		parts = append(parts, first.parts...)
	default:
		parts = append(parts, first)
	}
	switch second := second.(type) {
	case *Add:
		parts = append(parts, second.parts...)
	default:
		parts = append(parts, second)
	}
	return &Add{
		parts: parts,
		dim:   first.Dim(),
	}
}

func (k *Add) Dim() int {
	return k.dim
}

// Parts returns the flattened list of summed terms.
func (k *Add) Parts() []Kernel {
	return k.parts
}

func (k *Add) AddCov(dst *mat.SymDense, p Params) {
	for _, part := range k.parts {
		part.AddCov(dst, p)
	}
}

func (k *Add) AddGrad(grad []float64, p Params, w *mat.SymDense) {
	for _, part := range k.parts {
		part.AddGrad(grad, p, w)
	}
}
