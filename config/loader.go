package config

import (
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix of the environment variables, e.g. PRFDECODE_FIT_RESTARTS.
const EnvPrefix = "PRFDECODE"

// flagBindings maps viper keys to pflag names.
var flagBindings = map[string]string{
	"quality_threshold":      "quality-threshold",
	"grid.lo":                "grid-lo",
	"grid.hi":                "grid-hi",
	"grid.resolution":        "grid-resolution",
	"tr":                     "tr",
	"gram":                   "gram",
	"response":               "response",
	"activation":             "activation",
	"fit.restarts":           "restarts",
	"fit.seed":               "seed",
	"fit.workers":            "workers",
	"fit.diagonal_start":     "diagonal-start",
	"paths.voxels":           "voxels",
	"paths.observed":         "observed",
	"paths.predicted":        "predicted",
	"paths.decode":           "decode",
	"paths.stimuli":          "stimuli",
	"paths.output":           "output",
	"paths.warm_start_dir":   "warm-start-dir",
	"paths.metrics_textfile": "metrics-textfile",
	"verbosity":              "v",
	"log_dev":                "log-dev",
}

// RegisterFlags defines the command-line flags that Load binds.
func RegisterFlags(fs *flag.FlagSet) {
	d := Default()
	fs.Float64("quality-threshold", d.QualityThreshold, "keep voxels whose variance explained is above this value")
	fs.Float64("grid-lo", d.Grid.Lo, "lower edge of the pixel grid (deg)")
	fs.Float64("grid-hi", d.Grid.Hi, "upper edge of the pixel grid (deg)")
	fs.Int("grid-resolution", d.Grid.Resolution, "pixels per grid side")
	fs.Float64("tr", d.TR, "repetition time in seconds")
	fs.String("gram", d.Gram, "feature gram matrix: product or covariance")
	fs.String("response", d.Response, "response model: linear or compressive")
	fs.Float64("activation", d.Activation, "value of the active pixel when scoring pixels")
	fs.Int("restarts", d.Fit.Restarts, "random optimizer starts on top of the midpoint")
	fs.Uint64("seed", d.Fit.Seed, "seed of the random starts")
	fs.Int("workers", d.Fit.Workers, "goroutines running optimizer starts")
	fs.Bool("diagonal-start", d.Fit.DiagonalStart, "add a start from the residual variances")
	fs.String("voxels", d.Paths.Voxels, "YAML voxel table")
	fs.String("observed", d.Paths.Observed, "CSV observed responses, voxels x timepoints")
	fs.String("predicted", d.Paths.Predicted, "CSV predicted responses, voxels x timepoints")
	fs.String("decode", d.Paths.Decode, "CSV responses to decode (default: observed)")
	fs.String("stimuli", d.Paths.Stimuli, "CSV stimulus frames, timepoints x pixels")
	fs.String("output", d.Paths.Output, "output directory")
	fs.String("warm-start-dir", d.Paths.WarmStartDir, "directory of warm-start artifacts")
	fs.String("metrics-textfile", d.Paths.MetricsTextfile, "write prometheus metrics to this file")
	fs.Int("v", d.Verbosity, "log verbosity (1 debug, 2 trace)")
	fs.Bool("log-dev", d.LogDev, "human readable logs")
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("quality_threshold", d.QualityThreshold)
	v.SetDefault("grid.lo", d.Grid.Lo)
	v.SetDefault("grid.hi", d.Grid.Hi)
	v.SetDefault("grid.resolution", d.Grid.Resolution)
	v.SetDefault("tr", d.TR)
	v.SetDefault("gram", d.Gram)
	v.SetDefault("response", d.Response)
	v.SetDefault("activation", d.Activation)
	v.SetDefault("fit.restarts", d.Fit.Restarts)
	v.SetDefault("fit.seed", d.Fit.Seed)
	v.SetDefault("fit.workers", d.Fit.Workers)
	v.SetDefault("fit.diagonal_start", d.Fit.DiagonalStart)
	for name, b := range map[string]Bound{
		"rho":   d.Fit.Bounds.Rho,
		"sigma": d.Fit.Bounds.Sigma,
		"tau":   d.Fit.Bounds.Tau,
	} {
		v.SetDefault("fit.bounds."+name+".lo", b.Lo)
		v.SetDefault("fit.bounds."+name+".hi", b.Hi)
	}
	for name, o := range map[string]Optimizer{"coarse": d.Fit.Coarse, "fine": d.Fit.Fine} {
		v.SetDefault("fit."+name+".tolerance", o.Tolerance)
		v.SetDefault("fit."+name+".iterations", o.Iterations)
		v.SetDefault("fit."+name+".evaluations", o.Evaluations)
	}
	v.SetDefault("paths.voxels", d.Paths.Voxels)
	v.SetDefault("paths.observed", d.Paths.Observed)
	v.SetDefault("paths.predicted", d.Paths.Predicted)
	v.SetDefault("paths.decode", d.Paths.Decode)
	v.SetDefault("paths.stimuli", d.Paths.Stimuli)
	v.SetDefault("paths.output", d.Paths.Output)
	v.SetDefault("paths.warm_start_dir", d.Paths.WarmStartDir)
	v.SetDefault("paths.metrics_textfile", d.Paths.MetricsTextfile)
	v.SetDefault("verbosity", d.Verbosity)
	v.SetDefault("log_dev", d.LogDev)
}

// Load resolves the configuration and validates it.
// Precedence: flags > env > file > defaults.
// path may be empty and flagSet may be nil.
func Load(path string, flagSet *flag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flagSet != nil {
		for key, name := range flagBindings {
			if f := flagSet.Lookup(name); f != nil {
				_ = v.BindPFlag(key, f)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
