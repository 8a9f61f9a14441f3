package pipeline

import (
	"fmt"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/mat"

	"github.com/pcklink/decode-encode/covfit"
	"github.com/pcklink/decode-encode/decode"
	"github.com/pcklink/decode-encode/features"
	"github.com/pcklink/decode-encode/logging"
	"github.com/pcklink/decode-encode/residual"
	"github.com/pcklink/decode-encode/voxel"
)

// Model is an estimated encoding model.
type Model struct {
	Voxels    []voxel.Voxel // Voxels that passed the quality filter.
	Mask      []bool        // Filter mask over the input voxel table.
	Space     *features.Space
	Residuals *residual.Residuals
	Fit       *covfit.Result
	Decoder   *decode.Decoder // Nil if the fit failed.

	// Signed log-determinant of 2*pi times the residual covariance.
	DataLogDet float64
	DataSign   float64

	tr  float64
	log logr.Logger
}

// Time of timepoint t in seconds.
func (m *Model) Time(t int) float64 {
	return float64(t) * m.tr
}

// responses accepts a vector over either the full voxel table or the kept
// voxels.
func (m *Model) responses(obs []float64) ([]float64, error) {
	switch len(obs) {
	case len(m.Voxels):
		return obs, nil
	case len(m.Mask):
		out := make([]float64, 0, len(m.Voxels))
		for i, keep := range m.Mask {
			if keep {
				out = append(out, obs[i])
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d responses for %d voxels (%d kept)",
		ErrShape, len(obs), len(m.Mask), len(m.Voxels))
}

func (m *Model) decoder() (*decode.Decoder, error) {
	if m.Decoder != nil {
		return m.Decoder, nil
	}
	if m.Fit != nil {
		if err := m.Fit.Precision.Check(); err != nil {
			return nil, err
		}
	}
	return nil, ErrNoDecoder
}

// Decode scores every pixel of the grid for one observed response vector.
func (m *Model) Decode(obs []float64) (*mat.Dense, error) {
	dec, err := m.decoder()
	if err != nil {
		return nil, err
	}
	r, err := m.responses(obs)
	if err != nil {
		return nil, err
	}
	return dec.PixelScores(r)
}

// DecodeAll scores the pixels of every timepoint (column) of obs.
func (m *Model) DecodeAll(obs *mat.Dense) ([]*mat.Dense, error) {
	_, nt := obs.Dims()
	out := make([]*mat.Dense, nt)
	for t := range out {
		scores, err := m.Decode(mat.Col(nil, t, obs))
		if err != nil {
			return nil, fmt.Errorf("timepoint %d (%.2fs): %w", t, m.Time(t), err)
		}
		out[t] = scores
		m.log.V(logging.DEBUG).Info("decoded timepoint", "t", t, "time", m.Time(t))
	}
	return out, nil
}

// LogLikelihoods evaluates timepoint t of obs against stims[t].
func (m *Model) LogLikelihoods(obs *mat.Dense, stims [][]float64) ([]float64, error) {
	dec, err := m.decoder()
	if err != nil {
		return nil, err
	}
	r, nt := obs.Dims()
	if r != len(m.Voxels) {
		sel, err := selectRows(obs, m.Mask, len(m.Voxels))
		if err != nil {
			return nil, err
		}
		obs = sel
	}
	lls, err := dec.LogLikelihoods(obs, stims)
	if err != nil {
		return nil, err
	}
	for t := 0; t < nt; t++ {
		m.log.V(logging.TRACE).Info("timepoint likelihood", "t", t, "time", m.Time(t), "loglik", lls[t])
	}
	return lls, nil
}
