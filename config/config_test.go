package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prfdecode.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(Default(), cfg))
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, `
quality_threshold: 0.4
grid:
  resolution: 11
fit:
  restarts: 2
  workers: 3
  bounds:
    tau:
      lo: 0
      hi: 1
`)
	t.Setenv("PRFDECODE_FIT_RESTARTS", "7")
	t.Setenv("PRFDECODE_GRID_HI", "8")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--grid-hi=6", "--gram=covariance"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)

	want := Default()
	want.QualityThreshold = 0.4
	want.Grid.Resolution = 11
	want.Grid.Hi = 6
	want.Gram = GramCovariance
	want.Fit.Restarts = 7
	want.Fit.Workers = 3
	want.Fit.Bounds.Tau = Bound{Lo: 0, Hi: 1}
	require.Empty(t, cmp.Diff(want, cfg))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)

	_, err = Load(writeFile(t, "grid:\n  resolution: 1\n"), nil)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(Default()))

	for name, mutate := range map[string]func(*Config){
		"threshold":  func(c *Config) { c.QualityThreshold = 1.5 },
		"resolution": func(c *Config) { c.Grid.Resolution = 1 },
		"extent":     func(c *Config) { c.Grid.Lo, c.Grid.Hi = 2, 2 },
		"tr":         func(c *Config) { c.TR = 0 },
		"gram":       func(c *Config) { c.Gram = "outer" },
		"response":   func(c *Config) { c.Response = "sigmoid" },
		"bound":      func(c *Config) { c.Fit.Bounds.Sigma = Bound{Lo: 1, Hi: 0} },
		"rho":        func(c *Config) { c.Fit.Bounds.Rho = Bound{Lo: 0, Hi: 2} },
		"restarts":   func(c *Config) { c.Fit.Restarts = -1 },
		"workers":    func(c *Config) { c.Fit.Workers = 0 },
		"tolerance":  func(c *Config) { c.Fit.Fine.Tolerance = 0 },
		"budget":     func(c *Config) { c.Fit.Coarse.Iterations = -1 },
	} {
		cfg := Default()
		mutate(cfg)
		require.ErrorIs(t, Validate(cfg), ErrInvalid, name)
	}
}

func TestWrite(t *testing.T) {
	cfg := Default()
	cfg.Paths.Voxels = "voxels.yaml"
	cfg.Fit.DiagonalStart = true

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, cfg))
	var got Config
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Empty(t, cmp.Diff(cfg, &got))

	// The written file is a valid input of Load.
	loaded, err := Load(writeFile(t, buf.String()), nil)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(cfg, loaded))
}
