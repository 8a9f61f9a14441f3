// Package covfit fits the structured noise covariance
//
//	rho*outer(tau, tau) + (1-rho)*diag(outer(tau, tau)) + sigma^2*gram
//
// to an empirical residual covariance by bounded multi-start minimisation
// of the squared Frobenius distance, followed by a high-precision
// refinement of the best start.
package covfit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pcklink/decode-encode/kern"
	"github.com/pcklink/decode-encode/logging"
	"github.com/pcklink/decode-encode/metrics"
	"github.com/pcklink/decode-encode/store"
	"github.com/pcklink/decode-encode/voxel"
)

var (
	ErrShape     = errors.New("gram and covariance dimensions differ")
	ErrConfig    = errors.New("invalid fitter configuration")
	ErrNoStarts  = errors.New("no starting points")
	ErrWarmStart = errors.New("could not save warm start")
)

// Settings of one optimizer pass.
type Settings struct {
	Tolerance       float64 // Gradient norm and function change tolerance.
	MajorIterations int     // Zero means unlimited.
	FuncEvaluations int     // Zero means unlimited.
}

func (s Settings) optimize() *optimize.Settings {
	return &optimize.Settings{
		GradientThreshold: s.Tolerance,
		Converger: &optimize.FunctionConverge{
			Absolute:   s.Tolerance,
			Relative:   s.Tolerance,
			Iterations: 20,
		},
		MajorIterations: s.MajorIterations,
		FuncEvaluations: s.FuncEvaluations,
	}
}

type Config struct {
	Bounds Bounds
	// Random starts drawn uniformly inside Bounds, on top of the midpoint.
	Restarts int
	Seed     uint64
	// Number of goroutines running coarse starts.
	Workers int
	Coarse  Settings
	Fine    Settings
	// Add a start whose taus are the square roots of the observed variances.
	DiagonalStart bool
	// Optional warm-start repository.
	Store   store.Repository
	Log     logr.Logger
	Metrics *metrics.Metrics
}

func DefaultConfig() *Config {
	return &Config{
		Bounds:   DefaultBounds(),
		Restarts: 4,
		Seed:     1,
		Workers:  1,
		Coarse:   Settings{Tolerance: 1e-3, MajorIterations: 500, FuncEvaluations: 5000},
		Fine:     Settings{Tolerance: 1e-10, MajorIterations: 20000, FuncEvaluations: 200000},
		Log:      logr.Discard(),
	}
}

func (c *Config) Validate() error {
	if err := c.Bounds.Validate(); err != nil {
		return err
	}
	if c.Restarts < 0 {
		return fmt.Errorf("%w: negative restarts %d", ErrConfig, c.Restarts)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrConfig, c.Workers)
	}
	if !(c.Coarse.Tolerance > 0) || !(c.Fine.Tolerance > 0) {
		return fmt.Errorf("%w: tolerances must be positive", ErrConfig)
	}
	return nil
}

// StartResult is the outcome of one optimizer pass.
type StartResult struct {
	Start       []float64
	X           []float64
	Objective   float64
	Status      optimize.Status
	Evaluations int
	Err         error // Optimizer error, the pass still reports its best point.
}

// Result of a complete fit.
type Result struct {
	Params    kern.Params
	Objective float64
	Status    optimize.Status // Status of the refinement pass.
	Omega     *mat.SymDense
	Precision *kern.Precision
	Starts    []StartResult // Coarse passes, in the order of the starts.
	Best      int           // Index of the refined start.
}

// Vec returns the flat parameter vector (rho, sigma, tau...).
func (r *Result) Vec() []float64 {
	return r.Params.Vec()
}

type Fitter struct {
	cfg *Config
	obj *objective
	box box
	n   int
}

// NewFitter prepares a fit of the model against observed for the given
// feature Gram matrix. A nil cfg selects DefaultConfig.
func NewFitter(observed, gram mat.Symmetric, cfg *Config) (*Fitter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := observed.SymmetricDim()
	if n == 0 {
		return nil, voxel.ErrNoVoxels
	}
	if gram.SymmetricDim() != n {
		return nil, fmt.Errorf("%w: covariance %d, gram %d", ErrShape, n, gram.SymmetricDim())
	}
	return &Fitter{
		cfg: cfg,
		obj: newObjective(observed, gram),
		box: newBox(cfg.Bounds, n),
		n:   n,
	}, nil
}

// Dim is the number of voxels.
func (f *Fitter) Dim() int {
	return f.n
}

// Starts lists the starting points of a fit: the midpoint of the bounds,
// the warm start if it matches the problem size, the diagonal start if
// enabled, then Restarts uniform draws. Draws are deterministic in Seed.
func (f *Fitter) Starts(warm []float64) [][]float64 {
	starts := [][]float64{f.box.mid()}
	if warm != nil {
		if len(warm) == kern.NumParams(f.n) {
			starts = append(starts, f.box.clamp(warm))
		} else {
			f.cfg.Log.Info("ignoring warm start of wrong size",
				"got", len(warm), "want", kern.NumParams(f.n))
		}
	}
	if f.cfg.DiagonalStart {
		x := f.box.mid()
		for i := 0; i < f.n; i++ {
			x[kern.TauOffset+i] = math.Sqrt(math.Max(f.obj.observed.At(i, i), 0))
		}
		starts = append(starts, f.box.clamp(x))
	}
	src := rand.NewSource(f.cfg.Seed)
	for r := 0; r < f.cfg.Restarts; r++ {
		x := make([]float64, len(f.box.lo))
		for i := range x {
			if f.box.lo[i] == f.box.hi[i] {
				x[i] = f.box.lo[i]
				continue
			}
			x[i] = distuv.Uniform{Min: f.box.lo[i], Max: f.box.hi[i], Src: src}.Rand()
		}
		starts = append(starts, x)
	}
	return starts
}

// run minimises from start with the given settings. The returned point is
// never worse than the (clamped) start.
func (f *Fitter) run(start []float64, s Settings) StartResult {
	x0 := f.box.clamp(start)
	out := StartResult{Start: start, X: x0, Objective: f.obj.Func(x0)}

	problem := optimize.Problem{
		Func: func(z []float64) float64 {
			x := make([]float64, len(z))
			f.box.toBox(x, z)
			return f.obj.Func(x)
		},
		Grad: func(grad, z []float64) {
			x := make([]float64, len(z))
			f.box.toBox(x, z)
			f.obj.Grad(grad, x)
			f.box.chain(grad, x)
		},
	}
	res, err := optimize.Minimize(problem, f.box.fromBox(x0), s.optimize(), &optimize.LBFGS{})
	out.Err = err
	if res == nil {
		return out
	}
	out.Status = res.Status
	out.Evaluations = res.FuncEvaluations
	x := make([]float64, len(res.X))
	f.box.toBox(x, res.X)
	if fx := f.obj.Func(x); fx <= out.Objective {
		out.X, out.Objective = x, fx
	}
	return out
}

// runAll runs every start on a pool of cfg.Workers goroutines.
func (f *Fitter) runAll(starts [][]float64, s Settings) []StartResult {
	results := make([]StartResult, len(starts))
	idxChan := make(chan int, len(starts))
	defer close(idxChan)
	var wg sync.WaitGroup

	for i := 0; i < f.cfg.Workers; i++ {
		go func() {
			for idx := range idxChan {
				results[idx] = f.run(starts[idx], s)
				wg.Done()
			}
		}()
	}
	for i := range starts {
		wg.Add(1)
		idxChan <- i
	}
	wg.Wait()
	return results
}

// FitFrom fits the model from the given starting points. When the fitted
// covariance does not have a positive determinant, the result is returned
// together with a *kern.InvalidCovarianceError.
func (f *Fitter) FitFrom(starts [][]float64) (*Result, error) {
	if len(starts) == 0 {
		return nil, ErrNoStarts
	}
	for i, s := range starts {
		if len(s) != kern.NumParams(f.n) {
			return nil, fmt.Errorf("%w: start %d has %d parameters, want %d",
				ErrShape, i, len(s), kern.NumParams(f.n))
		}
	}
	log := f.cfg.Log

	coarse := f.runAll(starts, f.cfg.Coarse)
	best := -1
	for i, r := range coarse {
		f.cfg.Metrics.ObserveStart(r.Status.String())
		log.V(logging.DEBUG).Info("coarse start finished", "start", i,
			"objective", r.Objective, "status", r.Status.String(),
			"evaluations", r.Evaluations)
		if math.IsNaN(r.Objective) {
			continue
		}
		if best < 0 || r.Objective < coarse[best].Objective {
			best = i
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("%w: every start evaluated to NaN", ErrNoStarts)
	}

	fine := f.run(coarse[best].X, f.cfg.Fine)
	log.V(logging.DEBUG).Info("refinement finished", "start", best,
		"objective", fine.Objective, "status", fine.Status.String(),
		"evaluations", fine.Evaluations)

	p := kern.ParamsFromVec(fine.X)
	omega := kern.Cov(f.obj.model, p)
	prec := kern.Invert(omega)
	res := &Result{
		Params:    p,
		Objective: fine.Objective,
		Status:    fine.Status,
		Omega:     omega,
		Precision: prec,
		Starts:    coarse,
		Best:      best,
	}
	if err := prec.Check(); err != nil {
		f.cfg.Metrics.ObserveInvalid()
		log.Error(err, "fitted covariance is not positive definite",
			"rho", p.Rho, "sigma", p.Sigma)
		return res, err
	}
	return res, nil
}

// Fit runs a complete fit: it loads the warm start from cfg.Store, fits
// from Starts, and saves the parameters back when the fitted covariance
// is valid. A failed save returns the result with an ErrWarmStart error.
func (f *Fitter) Fit() (*Result, error) {
	begin := time.Now()
	var warm []float64
	if f.cfg.Store != nil {
		x, ok, err := f.cfg.Store.LoadWarmStart()
		switch {
		case err != nil:
			f.cfg.Log.Error(err, "could not load warm start")
		case ok:
			warm = x
		}
	}
	res, err := f.FitFrom(f.Starts(warm))
	if res != nil {
		f.cfg.Metrics.ObserveFit(time.Since(begin), res.Objective, f.n)
		f.cfg.Log.Info("covariance fit finished", "voxels", f.n,
			"objective", res.Objective, "rho", res.Params.Rho,
			"sigma", res.Params.Sigma, "logdet", res.Precision.LogDet,
			"duration", time.Since(begin).String())
	}
	if err != nil {
		return res, err
	}
	if f.cfg.Store != nil {
		if err := f.cfg.Store.SaveFitResult(res.Vec()); err != nil {
			return res, fmt.Errorf("%w: %v", ErrWarmStart, err)
		}
	}
	return res, nil
}
