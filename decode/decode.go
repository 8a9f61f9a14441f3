// Package decode evaluates the Gaussian likelihood of observed voxel
// responses under candidate stimuli, given a fitted noise covariance.
package decode

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"

	"github.com/pcklink/decode-encode/kern"
	"github.com/pcklink/decode-encode/logging"
	"github.com/pcklink/decode-encode/metrics"
	"github.com/pcklink/decode-encode/voxel"
)

var ErrShape = errors.New("dimension mismatch")

type options struct {
	log        logr.Logger
	metrics    *metrics.Metrics
	activation float64
}

type Option func(*options)

func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithActivation sets the value of the active pixel in the candidates of
// PixelScores. The default is 1.
func WithActivation(a float64) Option {
	return func(o *options) { o.activation = a }
}

// Decoder scores stimuli on a rows x cols pixel grid. Pixel k of a
// flattened stimulus is at row k / cols, column k % cols.
type Decoder struct {
	w          *mat.Dense // Voxels x pixels.
	resp       Response
	prec       *kern.Precision
	rows, cols int
	opts       options
}

// New returns a decoder for feature map w (voxels x pixels). The
// precision is checked on every evaluation, not here, so that an invalid
// covariance surfaces as an error of the likelihood call itself.
func New(w *mat.Dense, resp Response, prec *kern.Precision, rows, cols int, opts ...Option) (*Decoder, error) {
	o := options{log: logr.Discard(), activation: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if w == nil || w.IsEmpty() {
		return nil, voxel.ErrNoVoxels
	}
	v, p := w.Dims()
	if rows*cols != p {
		return nil, fmt.Errorf("%w: %d pixels do not fill a %dx%d grid", ErrShape, p, rows, cols)
	}
	if n := prec.Dim(); n != 0 && n != v {
		return nil, fmt.Errorf("%w: precision %d, feature map %d voxels", ErrShape, n, v)
	}
	if resp == nil {
		resp = &Linear{}
	}
	if d, ok := resp.(interface{ Dim() int }); ok && d.Dim() != v {
		return nil, fmt.Errorf("%w: response %d, feature map %d voxels", ErrShape, d.Dim(), v)
	}
	return &Decoder{w: w, resp: resp, prec: prec, rows: rows, cols: cols, opts: o}, nil
}

func (d *Decoder) Voxels() int {
	v, _ := d.w.Dims()
	return v
}

func (d *Decoder) Pixels() int {
	_, p := d.w.Dims()
	return p
}

// logNorm is -0.5 * log|2 pi Omega|.
func (d *Decoder) logNorm() float64 {
	return -0.5 * (d.prec.LogDet + float64(d.Voxels())*math.Log(2*math.Pi))
}

// predict writes resp(W * stim) into dst.
func (d *Decoder) predict(dst, stim []float64) {
	drive := make([]float64, len(dst))
	blas64.Gemv(blas.NoTrans, 1, d.w.RawMatrix(),
		blas64.Vector{N: len(stim), Data: stim, Inc: 1},
		0, blas64.Vector{N: len(drive), Data: drive, Inc: 1})
	d.resp.Transform(dst, drive)
}

// quadDiag returns the diagonal of r' * inv(Omega) * r for the columns of
// r (voxels x candidates), without forming the candidates x candidates
// product.
func (d *Decoder) quadDiag(r *mat.Dense) []float64 {
	v, k := r.Dims()
	q := mat.NewDense(v, k, nil)
	rr, qr := r.RawMatrix(), q.RawMatrix()
	// q = inv.dot(r)
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, d.prec.Inverse.RawMatrix(), rr, 0, qr)
	// out = (r * q).sum(axis=0)
	out := make([]float64, k)
	for i := 0; i < v; i++ {
		rrow := rr.Data[i*rr.Stride : i*rr.Stride+k]
		qrow := qr.Data[i*qr.Stride : i*qr.Stride+k]
		for j := range out {
			out[j] += rrow[j] * qrow[j]
		}
	}
	return out
}

// LogLikelihood of obs under stimulus stim:
//
//	-0.5*(logdet + V*log(2*pi)) - 0.5*r' inv(Omega) r,  r = obs - resp(W*stim)
func (d *Decoder) LogLikelihood(obs, stim []float64) (ll float64, err error) {
	defer func() { d.opts.metrics.ObserveDecode(metrics.ModeFull, err) }()
	if err := d.prec.Check(); err != nil {
		return 0, err
	}
	v, p := d.w.Dims()
	if len(obs) != v || len(stim) != p {
		return 0, fmt.Errorf("%w: got %d voxels and %d pixels, want %d and %d",
			ErrShape, len(obs), len(stim), v, p)
	}
	r := make([]float64, v)
	d.predict(r, stim)
	for i := range r {
		r[i] = obs[i] - r[i]
	}
	q := d.quadDiag(mat.NewDense(v, 1, r))[0]
	return d.logNorm() - 0.5*q, nil
}

// LogLikelihoods evaluates column t of obs (voxels x timepoints) against
// stims[t]. Any failure aborts the whole batch.
func (d *Decoder) LogLikelihoods(obs *mat.Dense, stims [][]float64) (lls []float64, err error) {
	defer func() { d.opts.metrics.ObserveDecode(metrics.ModeFull, err) }()
	if err := d.prec.Check(); err != nil {
		return nil, err
	}
	v, p := d.w.Dims()
	ov, nt := obs.Dims()
	if ov != v || len(stims) != nt {
		return nil, fmt.Errorf("%w: observed %dx%d with %d stimuli, want %d voxels",
			ErrShape, ov, nt, len(stims), v)
	}
	r := mat.NewDense(v, nt, nil)
	pred := make([]float64, v)
	for t, stim := range stims {
		if len(stim) != p {
			return nil, fmt.Errorf("%w: stimulus %d has %d pixels, want %d", ErrShape, t, len(stim), p)
		}
		d.predict(pred, stim)
		for i := range pred {
			r.Set(i, t, obs.At(i, t)-pred[i])
		}
	}
	lls = d.quadDiag(r)
	norm := d.logNorm()
	for t := range lls {
		lls[t] = norm - 0.5*lls[t]
	}
	return lls, nil
}

// PixelScores scores every pixel as the only active one. The score of a
// pixel is the log-likelihood of the blank stimulus divided by the
// log-likelihood of the stimulus with just that pixel set to the
// activation. The result has the shape of the pixel grid.
func (d *Decoder) PixelScores(obs []float64) (scores *mat.Dense, err error) {
	defer func() { d.opts.metrics.ObserveDecode(metrics.ModePixel, err) }()
	if err := d.prec.Check(); err != nil {
		return nil, err
	}
	v, p := d.w.Dims()
	if len(obs) != v {
		return nil, fmt.Errorf("%w: got %d voxels, want %d", ErrShape, len(obs), v)
	}

	// Column 0 is the blank stimulus, column k+1 activates pixel k.
	r := mat.NewDense(v, p+1, nil)
	drive := make([]float64, v)
	pred := make([]float64, v)
	for k := 0; k <= p; k++ {
		for i := range drive {
			drive[i] = 0
			if k > 0 {
				drive[i] = d.opts.activation * d.w.At(i, k-1)
			}
		}
		d.resp.Transform(pred, drive)
		for i := range pred {
			r.Set(i, k, obs[i]-pred[i])
		}
	}

	q := d.quadDiag(r)
	norm := d.logNorm()
	base := norm - 0.5*q[0]
	out := make([]float64, p)
	for k := range out {
		out[k] = base / (norm - 0.5*q[k+1])
	}
	d.opts.log.V(logging.TRACE).Info("pixel scores", "baseline", base, "pixels", p)
	return mat.NewDense(d.rows, d.cols, out), nil
}
