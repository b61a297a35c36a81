// Package metrics exposes orchestration counters on the default Prometheus
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	runsCompleted   *prometheus.CounterVec
	taskDispatches  *prometheus.CounterVec
	taskOutcomes    *prometheus.CounterVec
	inFlight        prometheus.Gauge
	dispatchLatency prometheus.Histogram
}

func NewCollector() *Collector {
	return &Collector{
		runsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipevane_runs_completed_total",
				Help: "Pipeline runs reaching a terminal status.",
			},
			[]string{"status"},
		),
		taskDispatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipevane_task_dispatches_total",
				Help: "Task dispatch attempts by result.",
			},
			[]string{"result"},
		),
		taskOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipevane_task_outcomes_total",
				Help: "Task attempts reaching a terminal status.",
			},
			[]string{"status"},
		),
		inFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipevane_tasks_in_flight",
				Help: "Task attempts currently claimed or running.",
			},
		),
		dispatchLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipevane_dispatch_duration_seconds",
				Help:    "Latency of claim-and-launch per task attempt.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func (c *Collector) RunCompleted(status string) {
	if c == nil {
		return
	}
	c.runsCompleted.WithLabelValues(status).Inc()
}

func (c *Collector) TaskDispatched(result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.taskDispatches.WithLabelValues(result).Inc()
	c.dispatchLatency.Observe(elapsed.Seconds())
}

func (c *Collector) TaskOutcome(status string) {
	if c == nil {
		return
	}
	c.taskOutcomes.WithLabelValues(status).Inc()
}

func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(n))
}
