package decode

import (
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/pcklink/decode-encode/kern"
	"github.com/pcklink/decode-encode/logging"
	"github.com/pcklink/decode-encode/metrics"
	"github.com/pcklink/decode-encode/voxel"
)

const (
	nRows = 2
	nCols = 3
)

// fixture returns a 4 voxel x 6 pixel feature map and a fitted-looking
// covariance built from it.
func fixture(seed uint64) (*mat.Dense, *mat.SymDense) {
	src := rand.New(rand.NewSource(seed))
	w := mat.NewDense(4, nRows*nCols, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < nRows*nCols; j++ {
			w.Set(i, j, 0.1+src.Float64())
		}
	}
	gram := mat.NewSymDense(4, nil)
	gram.SymOuterK(1, w)
	p := kern.Params{Rho: 0.3, Sigma: 0.5, Tau: []float64{1, 1.2, 0.8, 1.5}}
	return w, kern.Cov(kern.NewModel(gram), p)
}

func predictLinear(w *mat.Dense, stim []float64) []float64 {
	var out mat.VecDense
	out.MulVec(w, mat.NewVecDense(len(stim), stim))
	return mat.Col(nil, 0, &out)
}

func TestLogLikelihoodMatchesGaussian(t *testing.T) {
	w, omega := fixture(1)
	dec, err := New(w, &Linear{}, kern.Invert(omega), nRows, nCols,
		WithLogger(logging.NewTestLogger()))
	require.NoError(t, err)

	stim := []float64{0, 1, 0, 0.5, 0, 1}
	obs := []float64{2, -1, 0.5, 3}
	ll, err := dec.LogLikelihood(obs, stim)
	require.NoError(t, err)

	normal, ok := distmv.NewNormal(predictLinear(w, stim), omega, nil)
	require.True(t, ok)
	require.InDelta(t, normal.LogProb(obs), ll, 1e-9)
}

func TestRoundTrip(t *testing.T) {
	w, omega := fixture(2)
	dec, err := New(w, &Linear{}, kern.Invert(omega), nRows, nCols)
	require.NoError(t, err)

	truth := []float64{1, 0, 1, 0, 0, 1}
	obs := predictLinear(w, truth)
	best, err := dec.LogLikelihood(obs, truth)
	require.NoError(t, err)

	var lu mat.LU
	lu.Factorize(omega)
	logdet, _ := lu.LogDet()
	require.InDelta(t, -0.5*(logdet+4*math.Log(2*math.Pi)), best, 1e-9)

	for k := range truth {
		shifted := append([]float64(nil), truth...)
		shifted[k] = 1 - shifted[k]
		ll, err := dec.LogLikelihood(obs, shifted)
		require.NoError(t, err)
		require.Less(t, ll, best, "pixel %d", k)
	}
}

func TestLogLikelihoodsBatch(t *testing.T) {
	w, omega := fixture(3)
	dec, err := New(w, &Linear{}, kern.Invert(omega), nRows, nCols)
	require.NoError(t, err)

	stims := [][]float64{
		{1, 0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0, 0},
		{0, 1, 1, 0, 1, 0},
	}
	obs := mat.NewDense(4, 3, []float64{
		1, 0, 2,
		0.5, -1, 1,
		2, 0, 0.3,
		1, 1, 1,
	})
	lls, err := dec.LogLikelihoods(obs, stims)
	require.NoError(t, err)
	require.Len(t, lls, 3)
	for k, stim := range stims {
		ll, err := dec.LogLikelihood(mat.Col(nil, k, obs), stim)
		require.NoError(t, err)
		require.InDelta(t, ll, lls[k], 1e-10)
	}

	_, err = dec.LogLikelihoods(obs, stims[:2])
	require.ErrorIs(t, err, ErrShape)
}

func TestPixelScoresMatchFullLikelihood(t *testing.T) {
	w, omega := fixture(4)
	m := metrics.New()
	dec, err := New(w, &Linear{}, kern.Invert(omega), nRows, nCols,
		WithActivation(2), WithMetrics(m))
	require.NoError(t, err)

	obs := predictLinear(w, []float64{0, 0, 2, 0, 0, 0})
	scores, err := dec.PixelScores(obs)
	require.NoError(t, err)
	r, c := scores.Dims()
	require.Equal(t, nRows, r)
	require.Equal(t, nCols, c)

	blank, err := dec.LogLikelihood(obs, make([]float64, nRows*nCols))
	require.NoError(t, err)
	for k := 0; k < nRows*nCols; k++ {
		stim := make([]float64, nRows*nCols)
		stim[k] = 2
		ll, err := dec.LogLikelihood(obs, stim)
		require.NoError(t, err)
		require.InDelta(t, blank/ll, scores.At(k/nCols, k%nCols), 1e-9, "pixel %d", k)
	}

	require.Equal(t, 1.0, testutil.ToFloat64(m.Decodes.WithLabelValues(metrics.ModePixel, "ok")))
	require.Equal(t, float64(1+nRows*nCols),
		testutil.ToFloat64(m.Decodes.WithLabelValues(metrics.ModeFull, "ok")))
}

func TestInvalidCovariance(t *testing.T) {
	w, _ := fixture(5)
	m := metrics.New()
	prec := kern.Invert(mat.NewSymDense(4, nil))
	dec, err := New(w, &Linear{}, prec, nRows, nCols, WithMetrics(m))
	require.NoError(t, err)

	obs := []float64{1, 2, 3, 4}
	ll, err := dec.LogLikelihood(obs, make([]float64, nRows*nCols))
	require.ErrorIs(t, err, kern.ErrInvalidCovariance)
	var invalid *kern.InvalidCovarianceError
	require.True(t, errors.As(err, &invalid))
	require.Zero(t, ll)

	scores, err := dec.PixelScores(obs)
	require.ErrorIs(t, err, kern.ErrInvalidCovariance)
	require.Nil(t, scores)

	lls, err := dec.LogLikelihoods(mat.NewDense(4, 1, obs), [][]float64{make([]float64, nRows*nCols)})
	require.ErrorIs(t, err, kern.ErrInvalidCovariance)
	require.Nil(t, lls)

	require.Equal(t, 2.0, testutil.ToFloat64(m.Decodes.WithLabelValues(metrics.ModeFull, "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Decodes.WithLabelValues(metrics.ModePixel, "error")))

	dec, err = New(w, nil, nil, nRows, nCols)
	require.NoError(t, err)
	_, err = dec.LogLikelihood(obs, make([]float64, nRows*nCols))
	require.ErrorIs(t, err, kern.ErrInvalidCovariance)
}

func TestNewErrors(t *testing.T) {
	w, omega := fixture(6)
	prec := kern.Invert(omega)

	_, err := New(&mat.Dense{}, nil, prec, 0, 0)
	require.ErrorIs(t, err, voxel.ErrNoVoxels)

	_, err = New(w, nil, prec, 3, 3)
	require.ErrorIs(t, err, ErrShape)

	_, err = New(w, nil, kern.Invert(mat.NewSymDense(2, []float64{1, 0, 0, 1})), nRows, nCols)
	require.ErrorIs(t, err, ErrShape)

	_, err = New(w, &Compressive{Amplitude: []float64{1}, Exponent: []float64{1}, Baseline: []float64{0}},
		prec, nRows, nCols)
	require.ErrorIs(t, err, ErrShape)

	dec, err := New(w, nil, prec, nRows, nCols)
	require.NoError(t, err)
	_, err = dec.LogLikelihood([]float64{1}, make([]float64, nRows*nCols))
	require.ErrorIs(t, err, ErrShape)
	_, err = dec.PixelScores([]float64{1, 2})
	require.ErrorIs(t, err, ErrShape)
}

func TestCompressive(t *testing.T) {
	c := NewCompressive([]voxel.Voxel{
		{N: 0.5, Amplitude: 2, Baseline: 1},
		{N: 1, Amplitude: 3, Baseline: -1},
	})
	require.Equal(t, 2, c.Dim())
	out := make([]float64, 2)
	c.Transform(out, []float64{4, -2})
	require.InDelta(t, 5, out[0], 1e-12)
	require.InDelta(t, -1, out[1], 1e-12)
}

func TestCompressiveRoundTrip(t *testing.T) {
	w, omega := fixture(7)
	resp := &Compressive{
		Amplitude: []float64{1, 2, 0.5, 1},
		Exponent:  []float64{0.5, 0.7, 0.3, 0.9},
		Baseline:  []float64{0.1, 0, -0.2, 0.3},
	}
	dec, err := New(w, resp, kern.Invert(omega), nRows, nCols)
	require.NoError(t, err)

	truth := []float64{0, 1, 0, 0, 1, 0}
	obs := make([]float64, 4)
	resp.Transform(obs, predictLinear(w, truth))
	best, err := dec.LogLikelihood(obs, truth)
	require.NoError(t, err)
	for k := range truth {
		shifted := append([]float64(nil), truth...)
		shifted[k] = 1 - shifted[k]
		ll, err := dec.LogLikelihood(obs, shifted)
		require.NoError(t, err)
		require.Less(t, ll, best, "pixel %d", k)
	}
}
