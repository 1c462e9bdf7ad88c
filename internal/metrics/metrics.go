// Package metrics records batch-run metrics for the node exporter textfile
// collector.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MikeSquared-Agency/TraceFinder/internal/unmix"
)

const namespace = "tracefinder"

// Recorder holds the collectors of one run on a private registry.
type Recorder struct {
	Registry *prometheus.Registry

	samples     *prometheus.CounterVec
	iterations  prometheus.Histogram
	gof         prometheus.Histogram
	duration    prometheus.Gauge
	lastSuccess prometheus.Gauge
	sinkErrors  *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Mixed samples processed, by outcome.",
		}, []string{"status"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solver_iterations",
			Help:      "Solver iterations per mixed sample.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
		}),
		gof: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gof",
			Help:      "Goodness of fit per solved sample.",
			Buckets:   []float64{0, 0.5, 0.7, 0.8, 0.9, 0.95, 0.99, 1},
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success_timestamp_seconds",
			Help:      "Unix time of the last run that completed without error.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Failed result writes, by sink.",
		}, []string{"sink"}),
	}
	r.Registry.MustRegister(r.samples, r.iterations, r.gof, r.duration, r.lastSuccess, r.sinkErrors)
	return r
}

// ObserveSample implements unmix.Observer.
func (r *Recorder) ObserveSample(row unmix.Row) {
	r.iterations.Observe(float64(row.Iterations))
	if row.Err != nil {
		r.samples.WithLabelValues(status(row.Err)).Inc()
		return
	}
	r.samples.WithLabelValues("solved").Inc()
	r.gof.Observe(row.GOF)
}

func status(err error) string {
	switch {
	case errors.Is(err, unmix.ErrZeroDenominator):
		return "zero_denominator"
	case errors.Is(err, unmix.ErrNonConvergence):
		return "not_converged"
	}
	return "failed"
}

// SinkFailed counts a failed write to the named sink.
func (r *Recorder) SinkFailed(sink string) {
	r.sinkErrors.WithLabelValues(sink).Inc()
}

// RunFinished records the wall time of a run and, on success, its end time.
func (r *Recorder) RunFinished(d time.Duration, ok bool, now time.Time) {
	r.duration.Set(d.Seconds())
	if ok {
		r.lastSuccess.Set(float64(now.Unix()))
	}
}

// WriteTextfile writes every collector in the text exposition format for the
// node exporter textfile collector. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.Registry)
}
