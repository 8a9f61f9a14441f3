package pipeline

import (
	"errors"
	"math"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/pcklink/decode-encode/config"
	"github.com/pcklink/decode-encode/covfit"
	"github.com/pcklink/decode-encode/kern"
	"github.com/pcklink/decode-encode/logging"
	"github.com/pcklink/decode-encode/metrics"
	"github.com/pcklink/decode-encode/store"
	"github.com/pcklink/decode-encode/voxel"
)

const timepoints = 30

var testVoxels = []voxel.Voxel{
	{X: -1, Y: -1, Size: 1, N: 0.5, Amplitude: 2, Baseline: 0.1, RSq: 0.5},
	{X: 1, Y: -1, Size: 0.8, N: 0.7, Amplitude: 1, Baseline: 0, RSq: 0.4},
	{X: 0, Y: 0, Size: 1.2, N: 0.4, Amplitude: 1.5, Baseline: -0.1, RSq: 0.6},
	{X: 2, Y: 2, Size: 1, N: 1, Amplitude: 1, Baseline: 0, RSq: 0.05},
	{X: -1, Y: 1, Size: 0.9, N: 0.6, Amplitude: 1, Baseline: 0.2, RSq: 0.3},
	{X: 1, Y: 1, Size: 1.1, N: 0.5, Amplitude: 0.5, Baseline: 0, RSq: 0.7},
	{X: 0.5, Y: 0, Size: 1, N: 0.8, Amplitude: 1, Baseline: 0, RSq: 0.45},
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.QualityThreshold = 0.1
	cfg.Grid = config.Grid{Lo: -2, Hi: 2, Resolution: 5}
	cfg.TR = 2
	cfg.Fit.Restarts = 2
	cfg.Fit.Bounds.Sigma = config.Bound{Lo: 0, Hi: 2}
	cfg.Fit.Bounds.Tau = config.Bound{Lo: 0, Hi: 3}
	return cfg
}

// responses returns predicted timeseries and observations with shared and
// unique Gaussian noise added.
func responses(seed uint64) (observed, predicted *mat.Dense) {
	src := rand.New(rand.NewSource(seed))
	n := len(testVoxels)
	predicted = mat.NewDense(n, timepoints, nil)
	observed = mat.NewDense(n, timepoints, nil)
	for t := 0; t < timepoints; t++ {
		shared := src.NormFloat64()
		for i := 0; i < n; i++ {
			p := src.NormFloat64()
			predicted.Set(i, t, p)
			observed.Set(i, t, p+0.5*shared+0.3*float64(i+1)*src.NormFloat64())
		}
	}
	return
}

var _ = Describe("Pipeline", func() {
	var (
		cfg                 *config.Config
		observed, predicted *mat.Dense
		m                   *metrics.Metrics
	)

	BeforeEach(func() {
		cfg = testConfig()
		observed, predicted = responses(1)
		m = metrics.New()
	})

	estimate := func(opts ...Option) (*Model, error) {
		p, err := New(cfg, append([]Option{WithLogger(logging.NewTestLogger()), WithMetrics(m)}, opts...)...)
		Expect(err).NotTo(HaveOccurred())
		return p.Estimate(testVoxels, observed, predicted)
	}

	Describe("Estimate", func() {
		It("filters voxels and fits a valid covariance", func() {
			model, err := estimate()
			Expect(err).NotTo(HaveOccurred())
			Expect(model.Voxels).To(HaveLen(6))
			Expect(model.Mask).To(Equal([]bool{true, true, true, false, true, true, true}))

			r, c := model.Space.W.Dims()
			Expect(r).To(Equal(6))
			Expect(c).To(Equal(25))
			Expect(model.Fit.Precision.Sign).To(Equal(1.0))
			Expect(model.Fit.Params.Tau).To(HaveLen(6))
			Expect(model.Fit.Objective).To(BeNumerically("<=",
				covfit.Loss(model.Residuals.Cov, model.Space.Gram, model.Fit.Params)+1e-12))
			Expect(model.DataSign).To(Equal(1.0))
			Expect(model.Decoder).NotTo(BeNil())

			Expect(testutil.ToFloat64(m.FitVoxels)).To(Equal(6.0))
		})

		It("rejects a voxel table without good voxels", func() {
			cfg.QualityThreshold = 0.99
			_, err := estimate()
			Expect(err).To(MatchError(voxel.ErrNoVoxels))
		})

		It("rejects response matrices of the wrong height", func() {
			observed = mat.NewDense(5, timepoints, nil)
			_, err := estimate()
			Expect(errors.Is(err, ErrShape)).To(BeTrue())
		})

		It("reports an invalid covariance and refuses to decode", func() {
			cfg.Fit.Bounds.Sigma = config.Bound{Lo: 0, Hi: 0}
			cfg.Fit.Bounds.Tau = config.Bound{Lo: 0, Hi: 0}
			model, err := estimate()
			Expect(errors.Is(err, kern.ErrInvalidCovariance)).To(BeTrue())
			Expect(model).NotTo(BeNil())
			Expect(model.Decoder).To(BeNil())
			Expect(testutil.ToFloat64(m.FitFailures)).To(Equal(1.0))

			_, err = model.Decode(mat.Col(nil, 0, observed))
			Expect(errors.Is(err, kern.ErrInvalidCovariance)).To(BeTrue())
		})

		It("warm starts from the stored parameters", func() {
			mem := store.NewMemory(nil)
			first, err := estimate(WithStore(mem))
			Expect(err).NotTo(HaveOccurred())
			Expect(mem.Saves()).To(Equal(1))

			second, err := estimate(WithStore(mem))
			Expect(err).NotTo(HaveOccurred())
			Expect(mem.Saves()).To(Equal(2))
			Expect(second.Fit.Starts[1].Start).To(Equal(first.Fit.Vec()))
			Expect(second.Fit.Objective).To(BeNumerically("<=", first.Fit.Objective))
		})

		It("warm starts from a file store keyed by the run", func() {
			cfg.Paths.WarmStartDir = GinkgoT().TempDir()
			first, err := estimate()
			Expect(err).NotTo(HaveOccurred())

			saved, ok, err := store.NewFile(cfg.Paths.WarmStartDir,
				store.Key(cfg.QualityThreshold, cfg.Grid, cfg.Gram, cfg.Fit.Bounds, 6)).LoadWarmStart()
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(cmp.Diff(first.Fit.Vec(), saved)).To(BeEmpty())
		})
	})

	Describe("Model", func() {
		var model *Model

		JustBeforeEach(func() {
			var err error
			model, err = estimate()
			Expect(err).NotTo(HaveOccurred())
		})

		It("decodes every timepoint onto the pixel grid", func() {
			all, err := model.DecodeAll(observed)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(timepoints))
			for _, scores := range all {
				r, c := scores.Dims()
				Expect(r).To(Equal(5))
				Expect(c).To(Equal(5))
				for _, v := range scores.RawMatrix().Data {
					Expect(math.IsNaN(v)).To(BeFalse())
				}
			}
			Expect(model.Time(3)).To(Equal(6.0))
			Expect(testutil.ToFloat64(m.Decodes.WithLabelValues(metrics.ModePixel, "ok"))).
				To(Equal(float64(timepoints)))
		})

		It("accepts responses of the kept voxels only", func() {
			full := mat.Col(nil, 4, observed)
			kept := make([]float64, 0, len(model.Voxels))
			for i, keep := range model.Mask {
				if keep {
					kept = append(kept, full[i])
				}
			}
			a, err := model.Decode(full)
			Expect(err).NotTo(HaveOccurred())
			b, err := model.Decode(kept)
			Expect(err).NotTo(HaveOccurred())
			Expect(mat.Equal(a, b)).To(BeTrue())

			_, err = model.Decode([]float64{1, 2})
			Expect(errors.Is(err, ErrShape)).To(BeTrue())
		})

		It("evaluates the likelihood of stimulus frames per timepoint", func() {
			stims := make([][]float64, timepoints)
			for t := range stims {
				stims[t] = make([]float64, 25)
				stims[t][t%25] = 1
			}
			lls, err := model.LogLikelihoods(observed, stims)
			Expect(err).NotTo(HaveOccurred())
			Expect(lls).To(HaveLen(timepoints))
			for _, ll := range lls {
				Expect(math.IsInf(ll, 0) || math.IsNaN(ll)).To(BeFalse())
			}
		})

		Context("with the compressive response", func() {
			BeforeEach(func() {
				cfg.Response = config.ResponseCompressive
			})

			It("scores pixels", func() {
				scores, err := model.Decode(mat.Col(nil, 0, observed))
				Expect(err).NotTo(HaveOccurred())
				r, c := scores.Dims()
				Expect(r * c).To(Equal(25))
			})
		})
	})
})
