// Package metrics exposes the counters and gauges of a fitting/decoding
// run. A batch run has no scrape endpoint, so the registry is written to a
// node-exporter textfile at the end.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "prfdecode"

// Decode modes.
const (
	ModeFull  = "full"
	ModePixel = "pixel"
)

// Metrics bundles the collectors of one run. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FitDuration  prometheus.Histogram
	FitObjective prometheus.Gauge
	FitVoxels    prometheus.Gauge
	FitFailures  prometheus.Counter
	Starts       *prometheus.CounterVec
	Decodes      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fit_duration_seconds",
			Help:      "Wall time of a complete covariance fit.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		FitObjective: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fit_objective",
			Help:      "Sum of squared differences between model and residual covariance after refinement.",
		}),
		FitVoxels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fit_voxels",
			Help:      "Number of voxels in the last covariance fit.",
		}),
		FitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fit_invalid_covariance_total",
			Help:      "Fits whose model covariance had a non-positive determinant.",
		}),
		Starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fit_starts_total",
			Help:      "Optimizer starts by final optimizer status.",
		}, []string{"status"}),
		Decodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decodes_total",
			Help:      "Decoder evaluations by mode and outcome.",
		}, []string{"mode", "outcome"}),
	}
	m.registry.MustRegister(m.FitDuration, m.FitObjective, m.FitVoxels,
		m.FitFailures, m.Starts, m.Decodes)
	return m
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveFit(d time.Duration, objective float64, voxels int) {
	if m == nil {
		return
	}
	m.FitDuration.Observe(d.Seconds())
	m.FitObjective.Set(objective)
	m.FitVoxels.Set(float64(voxels))
}

func (m *Metrics) ObserveInvalid() {
	if m == nil {
		return
	}
	m.FitFailures.Inc()
}

func (m *Metrics) ObserveStart(status string) {
	if m == nil {
		return
	}
	m.Starts.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveDecode(mode string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Decodes.WithLabelValues(mode, outcome).Inc()
}

// WriteTextfile writes the registry in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
