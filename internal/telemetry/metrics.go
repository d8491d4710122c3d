package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the pipeline collectors on a dedicated registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	runs             *prometheus.CounterVec
	loopIterations   prometheus.Histogram
	criticScore      prometheus.Histogram
	stageDuration    *prometheus.HistogramVec
	experienceWrites *prometheus.CounterVec
}

// NewMetrics registers the collectors together with the Go and process
// collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "selfheal_runs_total",
			Help: "Incident runs by terminal outcome.",
		}, []string{"outcome"}),
		loopIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "selfheal_loop_iterations",
			Help:    "Refinement iterations per run.",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),
		criticScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "selfheal_critic_score",
			Help:    "Overall critic score per evaluation.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "selfheal_stage_duration_seconds",
			Help:    "Stage execution time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage", "status"}),
		experienceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "selfheal_experience_writes_total",
			Help: "Experience store attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.runs, m.loopIterations, m.criticScore, m.stageDuration, m.experienceWrites,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (m *Metrics) ObserveRun(outcome string, iterations int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.loopIterations.Observe(float64(iterations))
}

func (m *Metrics) ObserveScore(score float64) {
	if m == nil {
		return
	}
	m.criticScore.Observe(score)
}

func (m *Metrics) ObserveExperienceWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.experienceWrites.WithLabelValues(result).Inc()
}
