// Package pipeline wires the stages of an analysis run: quality filter,
// feature space, residuals, covariance fit and decoder.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/mat"

	"github.com/pcklink/decode-encode/config"
	"github.com/pcklink/decode-encode/covfit"
	"github.com/pcklink/decode-encode/decode"
	"github.com/pcklink/decode-encode/features"
	"github.com/pcklink/decode-encode/logging"
	"github.com/pcklink/decode-encode/metrics"
	"github.com/pcklink/decode-encode/residual"
	"github.com/pcklink/decode-encode/rf"
	"github.com/pcklink/decode-encode/store"
	"github.com/pcklink/decode-encode/voxel"
)

var (
	ErrShape     = errors.New("response matrix does not match the voxel table")
	ErrNoDecoder = errors.New("model has no decoder")
)

type Pipeline struct {
	cfg     *config.Config
	gen     rf.Generator
	store   store.Repository
	log     logr.Logger
	metrics *metrics.Metrics
}

type Option func(*Pipeline)

// WithGenerator replaces the isotropic Gaussian receptive fields.
func WithGenerator(g rf.Generator) Option {
	return func(p *Pipeline) { p.gen = g }
}

// WithStore sets the warm-start repository. Without it, a file store
// under cfg.Paths.WarmStartDir is used if that is set.
func WithStore(s store.Repository) Option {
	return func(p *Pipeline) { p.store = s }
}

func WithLogger(l logr.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	p := &Pipeline{cfg: cfg, gen: rf.NewGaussian(), log: logr.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pipeline) grid() features.Grid {
	return features.Grid{Lo: p.cfg.Grid.Lo, Hi: p.cfg.Grid.Hi, Resolution: p.cfg.Grid.Resolution}
}

func settings(o config.Optimizer) covfit.Settings {
	return covfit.Settings{
		Tolerance:       o.Tolerance,
		MajorIterations: o.Iterations,
		FuncEvaluations: o.Evaluations,
	}
}

func bound(b config.Bound) covfit.Bound {
	return covfit.Bound{Lo: b.Lo, Hi: b.Hi}
}

// warmStore keys the file store by everything that shapes the fit problem.
func (p *Pipeline) warmStore(kept []voxel.Voxel) store.Repository {
	if p.store != nil {
		return p.store
	}
	if p.cfg.Paths.WarmStartDir == "" {
		return nil
	}
	key := store.Key(p.cfg.QualityThreshold, p.cfg.Grid, p.cfg.Gram,
		p.cfg.Fit.Bounds, len(kept))
	return store.NewFile(p.cfg.Paths.WarmStartDir, key)
}

func (p *Pipeline) fitConfig(kept []voxel.Voxel) *covfit.Config {
	fc := p.cfg.Fit
	return &covfit.Config{
		Bounds: covfit.Bounds{
			Rho:   bound(fc.Bounds.Rho),
			Sigma: bound(fc.Bounds.Sigma),
			Tau:   bound(fc.Bounds.Tau),
		},
		Restarts:      fc.Restarts,
		Seed:          fc.Seed,
		Workers:       fc.Workers,
		Coarse:        settings(fc.Coarse),
		Fine:          settings(fc.Fine),
		DiagonalStart: fc.DiagonalStart,
		Store:         p.warmStore(kept),
		Log:           p.log.WithName("covfit"),
		Metrics:       p.metrics,
	}
}

// selectRows keeps the rows of m flagged in mask.
func selectRows(m *mat.Dense, mask []bool, kept int) (*mat.Dense, error) {
	r, c := m.Dims()
	if r != len(mask) {
		return nil, fmt.Errorf("%w: %d rows for %d voxels", ErrShape, r, len(mask))
	}
	out := mat.NewDense(kept, c, nil)
	i := 0
	for k, keep := range mask {
		if keep {
			out.SetRow(i, m.RawRowView(k))
			i++
		}
	}
	return out, nil
}

// Estimate fits the encoding model of the voxels vs from observed and
// predicted responses (one row per voxel in vs, one column per
// timepoint). If the covariance fit fails, the returned Model carries the
// fit diagnostics but no decoder.
func (p *Pipeline) Estimate(vs []voxel.Voxel, observed, predicted *mat.Dense) (*Model, error) {
	kept, mask := voxel.Filter(vs, p.cfg.QualityThreshold)
	p.log.Info("quality filter", "voxels", len(vs), "kept", len(kept),
		"threshold", p.cfg.QualityThreshold)
	if len(kept) == 0 {
		return nil, voxel.ErrNoVoxels
	}
	obs, err := selectRows(observed, mask, len(kept))
	if err != nil {
		return nil, fmt.Errorf("observed: %w", err)
	}
	pred, err := selectRows(predicted, mask, len(kept))
	if err != nil {
		return nil, fmt.Errorf("predicted: %w", err)
	}

	space, err := features.Build(kept, p.grid(), p.gen,
		features.WithGram(features.GramKind(p.cfg.Gram)))
	if err != nil {
		return nil, err
	}
	res, err := residual.Compute(obs, pred)
	if err != nil {
		return nil, err
	}
	dataLogDet, dataSign := res.LogDet2Pi()
	p.log.V(logging.DEBUG).Info("residual covariance", "voxels", res.Voxels(),
		"timepoints", obs.RawMatrix().Cols, "logdet2pi", dataLogDet, "sign", dataSign)

	fitter, err := covfit.NewFitter(res.Cov, space.Gram, p.fitConfig(kept))
	if err != nil {
		return nil, err
	}
	m := &Model{
		Voxels:     kept,
		Mask:       mask,
		Space:      space,
		Residuals:  res,
		DataLogDet: dataLogDet,
		DataSign:   dataSign,
		tr:         p.cfg.TR,
		log:        p.log,
	}
	m.Fit, err = fitter.Fit()
	if errors.Is(err, covfit.ErrWarmStart) {
		p.log.Error(err, "continuing without saving the warm start")
		err = nil
	}
	if err != nil {
		return m, fmt.Errorf("covariance fit: %w", err)
	}

	w := space.W
	var resp decode.Response = &decode.Linear{}
	if p.cfg.Response == config.ResponseCompressive {
		w = space.Normalized
		resp = decode.NewCompressive(kept)
	}
	n := p.cfg.Grid.Resolution
	m.Decoder, err = decode.New(w, resp, m.Fit.Precision, n, n,
		decode.WithLogger(p.log.WithName("decode")),
		decode.WithMetrics(p.metrics),
		decode.WithActivation(p.cfg.Activation))
	return m, err
}
