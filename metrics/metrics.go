// Package metrics collects run statistics in a Prometheus registry
// which is written to a textfile at the end of a run.
package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run holds the metrics of one analysis. Each run has its own registry
// so that concurrent runs do not share series.
type Run struct {
	Registry *prometheus.Registry

	timepoints     *prometheus.CounterVec
	selections     *prometheus.CounterVec
	solverDuration *prometheus.HistogramVec
	updates        *prometheus.CounterVec
	entropy        prometheus.Gauge
	dominant       prometheus.Gauge
	significant    prometheus.Gauge
	missing        prometheus.Gauge
}

// New creates the metrics of a run labeled with patient and mode.
func New(patient, mode string) *Run {
	reg := prometheus.NewRegistry()
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"patient": patient, "mode": mode}, reg))
	return &Run{
		Registry: reg,
		timepoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "treetrack_timepoints_total",
			Help: "Timepoints processed by outcome",
		}, []string{"outcome"}),
		selections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "treetrack_marker_selections_total",
			Help: "Marker selections by status",
		}, []string{"status"}),
		solverDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "treetrack_solver_duration_seconds",
			Help:    "Time spent selecting markers",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60},
		}, []string{"solver"}),
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "treetrack_updates_total",
			Help: "Ensemble updates by method",
		}, []string{"method"}),
		entropy: f.NewGauge(prometheus.GaugeOpts{
			Name: "treetrack_ensemble_entropy",
			Help: "Shannon entropy of the current tree weights",
		}),
		dominant: f.NewGauge(prometheus.GaugeOpts{
			Name: "treetrack_dominant_tree_weight",
			Help: "Weight of the heaviest tree",
		}),
		significant: f.NewGauge(prometheus.GaugeOpts{
			Name: "treetrack_significant_trees",
			Help: "Trees with weight above 0.01",
		}),
		missing: f.NewGauge(prometheus.GaugeOpts{
			Name: "treetrack_markers_not_found",
			Help: "Configured markers absent from the tree distribution",
		}),
	}
}

// Timepoint counts a processed timepoint; outcome is e.g. "updated",
// "unchanged" or "skipped".
func (r *Run) Timepoint(outcome string) {
	r.timepoints.WithLabelValues(outcome).Inc()
}

// Selection records a marker selection.
func (r *Run) Selection(status, solver string, d time.Duration) {
	r.selections.WithLabelValues(status).Inc()
	if solver != "" {
		r.solverDuration.WithLabelValues(solver).Observe(d.Seconds())
	}
}

// Update records an ensemble update and its resulting state.
func (r *Run) Update(method string, entropy, dominant float64, significant int) {
	r.updates.WithLabelValues(method).Inc()
	r.Ensemble(entropy, dominant, significant)
}

// Ensemble sets the ensemble gauges.
func (r *Run) Ensemble(entropy, dominant float64, significant int) {
	r.entropy.Set(entropy)
	r.dominant.Set(dominant)
	r.significant.Set(float64(significant))
}

// MissingMarkers sets the number of markers not found.
func (r *Run) MissingMarkers(n int) {
	r.missing.Set(float64(n))
}

// WriteTextfile writes all metrics in the text exposition format.
func (r *Run) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, r.Registry)
}
