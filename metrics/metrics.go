// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/deepnoodle-ai/flow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flow"

// Collector records execution and step metrics. Pass it to the engine as
// (part of) its callbacks.
type Collector struct {
	flow.BaseExecutionCallbacks

	registry *prometheus.Registry

	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionsActive   prometheus.Gauge
	executionDuration  *prometheus.HistogramVec
	stepDuration       *prometheus.HistogramVec
	stepAttempts       *prometheus.CounterVec
}

var _ flow.ExecutionCallbacks = (*Collector)(nil)

// NewCollector returns a collector registered on its own registry, together
// with the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of executions started",
			},
			[]string{"resumed"},
		),
		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_finished_total",
				Help:      "Total number of executions that stopped running, by status",
			},
			[]string{"status"},
		),
		executionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_active",
				Help:      "Number of executions currently running in this process",
			},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Execution wall time in seconds",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step invocation duration in seconds, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task_type", "success"},
		),
		stepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Total number of task invocations, retries included",
			},
			[]string{"task_type"},
		),
	}
	c.registry.MustRegister(
		c.executionsStarted,
		c.executionsFinished,
		c.executionsActive,
		c.executionDuration,
		c.stepDuration,
		c.stepAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// MustRegister adds further collectors, such as queue depth gauges, to the
// registry.
func (c *Collector) MustRegister(cs ...prometheus.Collector) {
	c.registry.MustRegister(cs...)
}

func (c *Collector) BeforeExecution(ctx context.Context, event *flow.ExecutionEvent) {
	c.executionsStarted.WithLabelValues(strconv.FormatBool(event.Resumed)).Inc()
	c.executionsActive.Inc()
}

func (c *Collector) AfterExecution(ctx context.Context, event *flow.ExecutionEvent) {
	status := string(event.Status)
	if !event.Status.IsTerminal() {
		// Interrupted by shutdown; recovery finishes it later.
		status = "paused"
	}
	c.executionsFinished.WithLabelValues(status).Inc()
	c.executionsActive.Dec()
	c.executionDuration.WithLabelValues(status).Observe(event.Duration.Seconds())
}

func (c *Collector) AfterStep(ctx context.Context, event *flow.StepEvent) {
	success := event.Result != nil && event.Result.Success
	c.stepDuration.WithLabelValues(event.TaskType, strconv.FormatBool(success)).Observe(event.Duration.Seconds())
	attempts := event.Attempts
	if attempts < 1 {
		attempts = 1
	}
	c.stepAttempts.WithLabelValues(event.TaskType).Add(float64(attempts))
}
