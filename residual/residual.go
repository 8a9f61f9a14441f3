// Package residual computes the residuals between observed and
// model-predicted responses and their empirical covariance across voxels.
package residual

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/pcklink/decode-encode/voxel"
)

var (
	ErrShape      = errors.New("observed and predicted responses differ in shape")
	ErrTimepoints = errors.New("at least two timepoints are needed for a covariance")
	ErrPrediction = errors.New("predicted timeseries has the wrong length")
)

// Predictor is the response model: given a voxel's fitted parameters it
// returns the predicted response timeseries, already convolved with the
// hemodynamic response.
type Predictor interface {
	Predict(v voxel.Voxel) []float64
}

// Predictions stacks the predicted timeseries of vs into a voxels x
// timepoints matrix.
func Predictions(vs []voxel.Voxel, timepoints int, p Predictor) (*mat.Dense, error) {
	if len(vs) == 0 {
		return nil, voxel.ErrNoVoxels
	}
	out := mat.NewDense(len(vs), timepoints, nil)
	for i, v := range vs {
		ts := p.Predict(v)
		if len(ts) != timepoints {
			return nil, fmt.Errorf("%w: voxel %d has %d, want %d",
				ErrPrediction, i, len(ts), timepoints)
		}
		out.SetRow(i, ts)
	}
	return out, nil
}

// Residuals of a response model, voxels as rows and timepoints as columns.
type Residuals struct {
	Matrix *mat.Dense
	// Cov is the voxels x voxels sample covariance of Matrix across
	// timepoints. It is singular whenever timepoints <= voxels.
	Cov *mat.SymDense
}

// Compute the residuals observed - predicted and their covariance.
func Compute(observed, predicted mat.Matrix) (*Residuals, error) {
	r, c := observed.Dims()
	pr, pc := predicted.Dims()
	if r != pr || c != pc {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrShape, r, c, pr, pc)
	}
	if r == 0 {
		return nil, voxel.ErrNoVoxels
	}
	if c < 2 {
		return nil, ErrTimepoints
	}
	res := mat.NewDense(r, c, nil)
	res.Sub(observed, predicted)

	// Voxels are the variables, so the covariance is taken over res.T().
	cov := mat.NewSymDense(r, nil)
	stat.CovarianceMatrix(cov, res.T(), nil)
	return &Residuals{Matrix: res, Cov: cov}, nil
}

// Voxels returns the number of voxels.
func (r *Residuals) Voxels() int {
	return r.Cov.SymmetricDim()
}

// Diagonal returns the covariance with all off-diagonal entries zeroed.
func (r *Residuals) Diagonal() *mat.SymDense {
	n := r.Voxels()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, r.Cov.At(i, i))
	}
	return out
}

// LogDet2Pi returns the signed log-determinant of 2*pi*Cov, the
// normalisation of a Gaussian with the empirical covariance.
func (r *Residuals) LogDet2Pi() (logdet, sign float64) {
	var lu mat.LU
	var scaled mat.SymDense
	scaled.ScaleSym(2*math.Pi, r.Cov)
	lu.Factorize(&scaled)
	return lu.LogDet()
}
