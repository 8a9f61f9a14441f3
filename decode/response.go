package decode

import (
	"math"

	"github.com/pcklink/decode-encode/voxel"
)

// Response maps the linear drive W*s of every voxel to its predicted
// response.
type Response interface {
	Transform(dst, drive []float64)
}

var (
	linear *Linear
	_      Response = linear // Check that Linear respects the Response interface.

	compressive *Compressive
	_           Response = compressive // Check that Compressive respects the Response interface.
)

// Linear predicts the drive itself.
type Linear struct{}

func (l *Linear) Transform(dst, drive []float64) {
	copy(dst, drive)
}

// Compressive spatial summation:
//
//	baseline + amplitude * max(drive, 0)^exponent
//
// It expects a feature map normalised to unit integral.
type Compressive struct {
	Amplitude []float64
	Exponent  []float64
	Baseline  []float64
}

// NewCompressive reads the per-voxel amplitude, exponent and baseline.
func NewCompressive(vs []voxel.Voxel) *Compressive {
	_, _, _, ns, amps, baselines := voxel.Columns(vs)
	return &Compressive{Amplitude: amps, Exponent: ns, Baseline: baselines}
}

func (c *Compressive) Dim() int {
	return len(c.Amplitude)
}

func (c *Compressive) Transform(dst, drive []float64) {
	for i, d := range drive {
		dst[i] = c.Baseline[i] + c.Amplitude[i]*math.Pow(math.Max(d, 0), c.Exponent[i])
	}
}
