package kern

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/lapack/lapack64"
	"gonum.org/v1/gonum/mat"
)

var ErrInvalidCovariance = errors.New("model covariance has a non-positive determinant")

// InvalidCovarianceError reports a covariance that cannot parametrise a
// multivariate Gaussian.
type InvalidCovarianceError struct {
	Sign   float64
	LogDet float64
}

func (e *InvalidCovarianceError) Error() string {
	return fmt.Sprintf("%v (sign %v, log|det| %v)", ErrInvalidCovariance, e.Sign, e.LogDet)
}

func (e *InvalidCovarianceError) Is(target error) bool {
	return target == ErrInvalidCovariance
}

// Precision is the inverse of a model covariance together with the sign
// and log-magnitude of the covariance's determinant.
type Precision struct {
	Inverse *mat.Dense // Nil when the covariance is exactly singular.
	LogDet  float64
	Sign    float64
}

// Invert factorises omega once (LU with partial pivoting) and derives
// both its inverse and its signed log-determinant.
func Invert(omega mat.Symmetric) *Precision {
	n := omega.SymmetricDim()
	a := mat.NewDense(n, n, nil)
	a.Copy(omega)
	raw := a.RawMatrix()
	ipiv := make([]int, n)
	if ok := lapack64.Getrf(raw, ipiv); !ok {
		return &Precision{LogDet: math.Inf(-1), Sign: 0}
	}
	logdet, sign := 0.0, 1.0
	for i := 0; i < n; i++ {
		v := raw.Data[i*raw.Stride+i]
		if v < 0 {
			sign = -sign
		}
		if ipiv[i] != i {
			sign = -sign
		}
		logdet += math.Log(math.Abs(v))
	}
	work := make([]float64, 1)
	lapack64.Getri(raw, ipiv, work, -1)
	work = make([]float64, int(work[0]))
	if ok := lapack64.Getri(raw, ipiv, work, len(work)); !ok {
		return &Precision{LogDet: math.Inf(-1), Sign: 0}
	}
	return &Precision{Inverse: a, LogDet: logdet, Sign: sign}
}

// Dim is the number of voxels covered, zero if the inverse is missing.
func (p *Precision) Dim() int {
	if p == nil || p.Inverse == nil {
		return 0
	}
	n, _ := p.Inverse.Dims()
	return n
}

// Check returns an *InvalidCovarianceError unless the determinant sign is +1.
func (p *Precision) Check() error {
	if p == nil {
		return &InvalidCovarianceError{LogDet: math.NaN()}
	}
	if p.Sign != 1 || p.Inverse == nil {
		return &InvalidCovarianceError{Sign: p.Sign, LogDet: p.LogDet}
	}
	return nil
}
