// Package metrics exposes Prometheus metrics for command building, step
// execution and local tasks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace   string `yaml:"namespace" json:"namespace"`
	Subsystem   string `yaml:"subsystem" json:"subsystem"`
	MetricsPath string `yaml:"metricsPath" json:"metricsPath"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "pipeline",
		MetricsPath: "/metrics",
	}
}

// Collector wraps the engine's Prometheus metrics. All methods are safe on a
// nil receiver so components can run without metrics.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	CommandsBuilt     *prometheus.CounterVec
	Steps             *prometheus.CounterVec
	Jobs              *prometheus.CounterVec
	LocalTasks        *prometheus.CounterVec
	LocalTaskDuration prometheus.Histogram
	LocalTasksActive  prometheus.Gauge
}

// NewCollector creates a Collector with the default config.
func NewCollector() *Collector {
	return NewCollectorWithConfig(DefaultConfig())
}

// NewCollectorWithConfig creates a Collector with its own Prometheus registry.
func NewCollectorWithConfig(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{
		config:   cfg,
		registry: reg,
		CommandsBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "commands_built_total",
			Help:      "Total number of step commands built",
		}, []string{"result"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "steps_total",
			Help:      "Total number of finished steps by status",
		}, []string{"status"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "jobs_total",
			Help:      "Total number of finished jobs by status",
		}, []string{"status"}),
		LocalTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "local_tasks_total",
			Help:      "Total number of local tasks by result",
		}, []string{"result"}),
		LocalTaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "local_task_duration_seconds",
			Help:      "Duration of local task executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		LocalTasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "local_tasks_active",
			Help:      "Number of local tasks currently running",
		}),
	}

	reg.MustRegister(c.CommandsBuilt, c.Steps, c.Jobs, c.LocalTasks, c.LocalTaskDuration, c.LocalTasksActive)
	return c
}

// MetricsPath returns the configured metrics endpoint path.
func (c *Collector) MetricsPath() string { return c.config.MetricsPath }

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordCommandBuilt counts a command build attempt.
func (c *Collector) RecordCommandBuilt(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.CommandsBuilt.WithLabelValues(result).Inc()
}

// RecordStep counts a finished step.
func (c *Collector) RecordStep(status string) {
	if c == nil {
		return
	}
	c.Steps.WithLabelValues(status).Inc()
}

// RecordJob counts a finished job.
func (c *Collector) RecordJob(status string) {
	if c == nil {
		return
	}
	c.Jobs.WithLabelValues(status).Inc()
}

// LocalTaskStarted marks a local task as running.
func (c *Collector) LocalTaskStarted() {
	if c == nil {
		return
	}
	c.LocalTasksActive.Inc()
}

// LocalTaskFinished records the outcome and duration of a local task.
func (c *Collector) LocalTaskFinished(result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.LocalTasksActive.Dec()
	c.LocalTasks.WithLabelValues(result).Inc()
	c.LocalTaskDuration.Observe(duration.Seconds())
}
