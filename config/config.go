// Package config holds the explicit configuration of an analysis run.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

// Gram kinds and response models accepted by the configuration.
const (
	GramProduct    = "product"
	GramCovariance = "covariance"

	ResponseLinear      = "linear"
	ResponseCompressive = "compressive"
)

type Grid struct {
	Lo         float64 `mapstructure:"lo" yaml:"lo"`
	Hi         float64 `mapstructure:"hi" yaml:"hi"`
	Resolution int     `mapstructure:"resolution" yaml:"resolution"`
}

type Bound struct {
	Lo float64 `mapstructure:"lo" yaml:"lo"`
	Hi float64 `mapstructure:"hi" yaml:"hi"`
}

type Bounds struct {
	Rho   Bound `mapstructure:"rho" yaml:"rho"`
	Sigma Bound `mapstructure:"sigma" yaml:"sigma"`
	Tau   Bound `mapstructure:"tau" yaml:"tau"`
}

// Optimizer budget of one pass. Zero iterations or evaluations mean
// unlimited.
type Optimizer struct {
	Tolerance   float64 `mapstructure:"tolerance" yaml:"tolerance"`
	Iterations  int     `mapstructure:"iterations" yaml:"iterations"`
	Evaluations int     `mapstructure:"evaluations" yaml:"evaluations"`
}

type Fit struct {
	Restarts      int       `mapstructure:"restarts" yaml:"restarts"`
	Seed          uint64    `mapstructure:"seed" yaml:"seed"`
	Workers       int       `mapstructure:"workers" yaml:"workers"`
	DiagonalStart bool      `mapstructure:"diagonal_start" yaml:"diagonal_start"`
	Bounds        Bounds    `mapstructure:"bounds" yaml:"bounds"`
	Coarse        Optimizer `mapstructure:"coarse" yaml:"coarse"`
	Fine          Optimizer `mapstructure:"fine" yaml:"fine"`
}

// Paths of inputs and outputs. Empty optional paths disable the feature.
type Paths struct {
	Voxels    string `mapstructure:"voxels" yaml:"voxels"`
	Observed  string `mapstructure:"observed" yaml:"observed"`
	Predicted string `mapstructure:"predicted" yaml:"predicted"`
	// Responses to decode, voxels x timepoints. Defaults to Observed.
	Decode string `mapstructure:"decode" yaml:"decode"`
	// Optional stimulus frames, timepoints x pixels, for per-timepoint
	// likelihoods.
	Stimuli         string `mapstructure:"stimuli" yaml:"stimuli"`
	Output          string `mapstructure:"output" yaml:"output"`
	WarmStartDir    string `mapstructure:"warm_start_dir" yaml:"warm_start_dir"`
	MetricsTextfile string `mapstructure:"metrics_textfile" yaml:"metrics_textfile"`
}

type Config struct {
	QualityThreshold float64 `mapstructure:"quality_threshold" yaml:"quality_threshold"`
	Grid             Grid    `mapstructure:"grid" yaml:"grid"`
	// Repetition time in seconds. Timepoint k is at k*TR.
	TR         float64 `mapstructure:"tr" yaml:"tr"`
	Gram       string  `mapstructure:"gram" yaml:"gram"`
	Response   string  `mapstructure:"response" yaml:"response"`
	Activation float64 `mapstructure:"activation" yaml:"activation"`
	Fit        Fit     `mapstructure:"fit" yaml:"fit"`
	Paths      Paths   `mapstructure:"paths" yaml:"paths"`
	Verbosity  int     `mapstructure:"verbosity" yaml:"verbosity"`
	LogDev     bool    `mapstructure:"log_dev" yaml:"log_dev"`
}

// Default returns the configuration of the reference analysis.
func Default() *Config {
	return &Config{
		QualityThreshold: 0.2,
		Grid:             Grid{Lo: -5, Hi: 5, Resolution: 21},
		TR:               1.5,
		Gram:             GramProduct,
		Response:         ResponseLinear,
		Activation:       1,
		Fit: Fit{
			Restarts: 4,
			Seed:     1,
			Workers:  1,
			Bounds: Bounds{
				Rho:   Bound{Lo: 0, Hi: 1},
				Sigma: Bound{Lo: -5, Hi: 50},
				Tau:   Bound{Lo: -5, Hi: 50},
			},
			Coarse: Optimizer{Tolerance: 1e-3, Iterations: 500, Evaluations: 5000},
			Fine:   Optimizer{Tolerance: 1e-10, Iterations: 20000, Evaluations: 200000},
		},
		Paths: Paths{Output: "out"},
	}
}

func finite(xs ...float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Validate fails on the first inconsistent field.
func Validate(cfg *Config) error {
	if !(cfg.QualityThreshold >= 0 && cfg.QualityThreshold <= 1) {
		return fmt.Errorf("%w: quality_threshold %v outside [0, 1]", ErrInvalid, cfg.QualityThreshold)
	}
	if cfg.Grid.Resolution < 2 {
		return fmt.Errorf("%w: grid resolution %d < 2", ErrInvalid, cfg.Grid.Resolution)
	}
	if !finite(cfg.Grid.Lo, cfg.Grid.Hi) || cfg.Grid.Lo >= cfg.Grid.Hi {
		return fmt.Errorf("%w: grid extent [%v, %v]", ErrInvalid, cfg.Grid.Lo, cfg.Grid.Hi)
	}
	if !(cfg.TR > 0) || !finite(cfg.TR) {
		return fmt.Errorf("%w: tr must be positive, got %v", ErrInvalid, cfg.TR)
	}
	if cfg.Gram != GramProduct && cfg.Gram != GramCovariance {
		return fmt.Errorf("%w: unknown gram %q", ErrInvalid, cfg.Gram)
	}
	if cfg.Response != ResponseLinear && cfg.Response != ResponseCompressive {
		return fmt.Errorf("%w: unknown response %q", ErrInvalid, cfg.Response)
	}
	if !finite(cfg.Activation) {
		return fmt.Errorf("%w: activation must be finite", ErrInvalid)
	}
	b := cfg.Fit.Bounds
	for name, bound := range map[string]Bound{"rho": b.Rho, "sigma": b.Sigma, "tau": b.Tau} {
		if !finite(bound.Lo, bound.Hi) || bound.Lo > bound.Hi {
			return fmt.Errorf("%w: %s bound [%v, %v]", ErrInvalid, name, bound.Lo, bound.Hi)
		}
	}
	if b.Rho.Lo < 0 || b.Rho.Hi > 1 {
		return fmt.Errorf("%w: rho bound [%v, %v] outside [0, 1]", ErrInvalid, b.Rho.Lo, b.Rho.Hi)
	}
	if cfg.Fit.Restarts < 0 {
		return fmt.Errorf("%w: negative restarts %d", ErrInvalid, cfg.Fit.Restarts)
	}
	if cfg.Fit.Workers < 1 {
		return fmt.Errorf("%w: workers %d < 1", ErrInvalid, cfg.Fit.Workers)
	}
	if !(cfg.Fit.Coarse.Tolerance > 0) || !(cfg.Fit.Fine.Tolerance > 0) {
		return fmt.Errorf("%w: optimizer tolerances must be positive", ErrInvalid)
	}
	if cfg.Fit.Coarse.Iterations < 0 || cfg.Fit.Coarse.Evaluations < 0 ||
		cfg.Fit.Fine.Iterations < 0 || cfg.Fit.Fine.Evaluations < 0 {
		return fmt.Errorf("%w: negative optimizer budget", ErrInvalid)
	}
	return nil
}

// Write encodes the effective configuration as YAML.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
