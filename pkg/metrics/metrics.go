package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	runsMetric          = "shipgate_runs_total"
	runsInProgress      = "shipgate_runs_in_progress"
	stageDurationMetric = "shipgate_stage_duration_seconds"
	approvalsMetric     = "shipgate_approvals_total"

	statusLabel   = "status"
	stageLabel    = "stage"
	decisionLabel = "decision"
)

// Collector records pipeline metrics on its own registry. A nil Collector
// discards everything.
type Collector struct {
	registry      *prometheus.Registry
	runs          *prometheus.CounterVec
	inProgress    prometheus.Gauge
	stageDuration *prometheus.HistogramVec
	approvals     *prometheus.CounterVec
}

// New creates a Collector with Go runtime collectors registered.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: runsMetric,
			Help: "Pipeline runs by terminal status",
		}, []string{statusLabel}),
		inProgress: factory.NewGauge(prometheus.GaugeOpts{
			Name: runsInProgress,
			Help: "Pipeline runs not yet terminal",
		}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    stageDurationMetric,
			Help:    "Stage action duration seconds",
			Buckets: DefaultBuckets(),
		}, []string{stageLabel, statusLabel}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: approvalsMetric,
			Help: "Approval gate decisions",
		}, []string{stageLabel, decisionLabel}),
	}
}

// DefaultBuckets spans quick tool calls to long image builds.
func DefaultBuckets() []float64 {
	return []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RunStarted marks a run as in progress.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.inProgress.Inc()
}

// RunFinished records the terminal status of a run.
func (c *Collector) RunFinished(status string) {
	if c == nil {
		return
	}
	c.inProgress.Dec()
	c.runs.With(prometheus.Labels{statusLabel: status}).Inc()
}

// ObserveStage records how long a stage action took.
func (c *Collector) ObserveStage(stage, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// ObserveApproval records a gate decision.
func (c *Collector) ObserveApproval(stage string, approved bool) {
	if c == nil {
		return
	}
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	c.approvals.WithLabelValues(stage, decision).Inc()
}
