// Command prfdecode estimates the noise covariance of a pRF encoding
// model and decodes the pixel scores of every observed timepoint.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	flag "github.com/spf13/pflag"
	"gonum.org/v1/gonum/mat"

	"github.com/pcklink/decode-encode/config"
	"github.com/pcklink/decode-encode/dataset"
	"github.com/pcklink/decode-encode/logging"
	"github.com/pcklink/decode-encode/metrics"
	"github.com/pcklink/decode-encode/pipeline"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "prfdecode:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("prfdecode", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Verbosity, cfg.LogDev)
	if err != nil {
		return err
	}
	m := metrics.New()
	defer func() {
		if cfg.Paths.MetricsTextfile == "" {
			return
		}
		if err := m.WriteTextfile(cfg.Paths.MetricsTextfile); err != nil {
			log.Error(err, "could not write metrics", "path", cfg.Paths.MetricsTextfile)
		}
	}()

	if err := os.MkdirAll(cfg.Paths.Output, 0o755); err != nil {
		return err
	}
	if err := writeConfig(filepath.Join(cfg.Paths.Output, "config.yaml"), cfg); err != nil {
		return err
	}

	vs, err := dataset.LoadVoxels(cfg.Paths.Voxels)
	if err != nil {
		return err
	}
	observed, err := dataset.LoadMatrix(cfg.Paths.Observed)
	if err != nil {
		return err
	}
	predicted, err := dataset.LoadMatrix(cfg.Paths.Predicted)
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg, pipeline.WithLogger(log), pipeline.WithMetrics(m))
	if err != nil {
		return err
	}
	model, err := p.Estimate(vs, observed, predicted)
	if model != nil && model.Fit != nil {
		if werr := writeFit(cfg.Paths.Output, model); werr != nil {
			log.Error(werr, "could not write fit")
		}
	}
	if err != nil {
		return err
	}

	toDecode := observed
	if cfg.Paths.Decode != "" {
		if toDecode, err = dataset.LoadMatrix(cfg.Paths.Decode); err != nil {
			return err
		}
	}
	if err := decodeAll(log, cfg.Paths.Output, model, toDecode); err != nil {
		return err
	}

	if cfg.Paths.Stimuli != "" {
		stims, err := dataset.LoadMatrix(cfg.Paths.Stimuli)
		if err != nil {
			return err
		}
		lls, err := model.LogLikelihoods(toDecode, dataset.Rows(stims))
		if err != nil {
			return err
		}
		out := mat.NewDense(len(lls), 2, nil)
		for t, ll := range lls {
			out.Set(t, 0, model.Time(t))
			out.Set(t, 1, ll)
		}
		if err := dataset.SaveMatrix(filepath.Join(cfg.Paths.Output, "loglik.csv"), out); err != nil {
			return err
		}
	}
	log.Info("done", "output", cfg.Paths.Output)
	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := config.Write(f, cfg); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeFit writes the fitted parameters, the model covariance, its
// inverse and the per-start objectives.
func writeFit(dir string, model *pipeline.Model) error {
	fit := model.Fit
	x := fit.Vec()
	if err := dataset.SaveMatrix(filepath.Join(dir, "params.csv"), mat.NewDense(1, len(x), x)); err != nil {
		return err
	}
	if err := dataset.SaveMatrix(filepath.Join(dir, "omega.csv"), fit.Omega); err != nil {
		return err
	}
	if fit.Precision.Inverse != nil {
		if err := dataset.SaveMatrix(filepath.Join(dir, "precision.csv"), fit.Precision.Inverse); err != nil {
			return err
		}
	}
	starts := mat.NewDense(len(fit.Starts), 2, nil)
	for i, s := range fit.Starts {
		starts.Set(i, 0, s.Objective)
		starts.Set(i, 1, float64(s.Status))
	}
	return dataset.SaveMatrix(filepath.Join(dir, "starts.csv"), starts)
}

func decodeAll(log logr.Logger, dir string, model *pipeline.Model, obs *mat.Dense) error {
	all, err := model.DecodeAll(obs)
	if err != nil {
		return err
	}
	for t, scores := range all {
		name := fmt.Sprintf("scores_t%04d_%.2fs.csv", t, model.Time(t))
		if err := dataset.SaveMatrix(filepath.Join(dir, "scores", name), scores); err != nil {
			return err
		}
	}
	log.Info("decoded", "timepoints", len(all), "dir", filepath.Join(dir, "scores"))
	return nil
}
