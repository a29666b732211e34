// Package metrics exposes pipeline activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/devstack/internal/timing"
)

const namespace = "devstack"

// Recorder receives pipeline observations.
type Recorder interface {
	ObservePhase(phase string, d time.Duration, outcome string)
	ObserveUnit(phase, unit string, d time.Duration, status string)
	ObserveRun(d time.Duration, result string)
}

// Pipeline records phase, unit and run activity into its own registry.
type Pipeline struct {
	registry *prometheus.Registry

	phaseDuration *prometheus.HistogramVec
	unitDuration  *prometheus.HistogramVec
	unitOutcomes  *prometheus.CounterVec
	runs          *prometheus.CounterVec
	lastRun       prometheus.Gauge
}

// NewPipeline creates and registers the pipeline metrics.
func NewPipeline() *Pipeline {
	m := &Pipeline{registry: prometheus.NewRegistry()}

	// Builds and clones take seconds to tens of minutes.
	buckets := prometheus.ExponentialBuckets(0.5, 2, 12)

	m.phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of pipeline phases",
			Buckets:   buckets,
		},
		[]string{"phase", "outcome"},
	)
	m.unitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Duration of per-unit setup and build tasks",
			Buckets:   buckets,
		},
		[]string{"phase", "unit"},
	)
	m.unitOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_results_total",
			Help:      "Per-unit task results",
		},
		[]string{"phase", "unit", "status"},
	)
	m.runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed pipeline runs by result",
		},
		[]string{"result"},
	)
	m.lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_duration_seconds",
		Help:      "Duration of the most recent run",
	})

	m.registry.MustRegister(m.phaseDuration, m.unitDuration, m.unitOutcomes, m.runs, m.lastRun)
	return m
}

// ObservePhase implements Recorder.
func (m *Pipeline) ObservePhase(phase string, d time.Duration, outcome string) {
	m.phaseDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

// ObserveUnit implements Recorder.
func (m *Pipeline) ObserveUnit(phase, unit string, d time.Duration, status string) {
	m.unitDuration.WithLabelValues(phase, unit).Observe(d.Seconds())
	m.unitOutcomes.WithLabelValues(phase, unit, status).Inc()
}

// ObserveRun implements Recorder.
func (m *Pipeline) ObserveRun(d time.Duration, result string) {
	m.runs.WithLabelValues(result).Inc()
	m.lastRun.Set(d.Seconds())
}

// Registry returns the registry holding the pipeline metrics.
func (m *Pipeline) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterTiming adds the estimate gauges backed by store.
func (m *Pipeline) RegisterTiming(store *timing.Store) error {
	return m.registry.Register(NewTimingCollector(store))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry to path in the text exposition format,
// for the node exporter's textfile collector. The file is replaced atomically.
func (m *Pipeline) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// Nop discards observations.
type Nop struct{}

func (Nop) ObservePhase(string, time.Duration, string)        {}
func (Nop) ObserveUnit(string, string, time.Duration, string) {}
func (Nop) ObserveRun(time.Duration, string)                  {}
