// Package metrics exposes the lifecycle engine's Prometheus metrics:
// one struct owning a private registry, one constructor wiring and
// registering every metric, and plain methods the rest of the code
// calls to record observations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the Prometheus-backed metrics sink for the instance
// manager.
type Collector struct {
	starts *prometheus.CounterVec
	startFailures *prometheus.CounterVec
	stops *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	probeTimeouts *prometheus.CounterVec
	runningGauge prometheus.Gauge
	orphansKilled prometheus.Counter
	detectorStops *prometheus.CounterVec
	reconcileErrors prometheus.Counter

	registry *prometheus.Registry
}

// New builds a Collector and registers its metrics under namespace
// (defaults to "aim").
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "aim"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name: "instance_starts_total",
			Help: "Total number of start requests accepted.",
		},
		[]string{"project_id"},
	)

	c.startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name: "instance_start_failures_total",
			Help: "Total number of start requests rejected, by error kind.",
		},
		[]string{"project_id", "kind"},
	)

	c.stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name: "instance_stops_total",
			Help: "Total number of instances torn down.",
		},
		[]string{"project_id"},
	)

	c.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name: "health_probe_duration_seconds",
			Help: "Time from instance start to the health probe settling.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"ready"},
	)

	c.probeTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name: "health_probe_timeouts_total",
			Help: "Total number of instances that never became healthy before the probe deadline.",
		},
		[]string{"project_id"},
	)

	c.runningGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name: "running_instances",
			Help: "Current number of instances this node believes are running.",
		},
	)

	c.orphansKilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name: "reconcile_orphans_killed_total",
			Help: "Total number of application-server process groups killed during reconciliation.",
		},
	)

	c.detectorStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name: "failure_detector_stops_total",
			Help: "Total number of instances stopped by the failure detector.",
		},
		[]string{"project_id"},
	)

	c.reconcileErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name: "reconcile_errors_total",
			Help: "Total number of errors encountered while killing orphaned processes during reconciliation.",
		},
	)

	c.registry.MustRegister(
		c.starts,
		c.startFailures,
		c.stops,
		c.probeDuration,
		c.probeTimeouts,
		c.runningGauge,
		c.orphansKilled,
		c.detectorStops,
		c.reconcileErrors,
	)

	return c
}

// Registry returns the Prometheus registry for HTTP handler setup.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// InstanceStarted records an accepted start request.
func (c *Collector) InstanceStarted(projectID string) {
	c.starts.WithLabelValues(projectID).Inc()
}

// InstanceStartFailed records a rejected start request by error kind
// (the engine passes aimerr.Kind names, e.g. "BadConfiguration").
func (c *Collector) InstanceStartFailed(projectID, kind string) {
	c.startFailures.WithLabelValues(projectID, kind).Inc()
}

// InstanceStopped records a torn-down instance.
func (c *Collector) InstanceStopped(projectID string) {
	c.stops.WithLabelValues(projectID).Inc()
}

// ProbeSettled records how long the post-start health probe took to
// settle, ready indicating whether it ever saw a healthy response.
func (c *Collector) ProbeSettled(duration time.Duration, ready bool) {
	label := "false"
	if ready {
		label = "true"
	}
	c.probeDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// ProbeTimedOut records an instance that never became healthy.
func (c *Collector) ProbeTimedOut(projectID string) {
	c.probeTimeouts.WithLabelValues(projectID).Inc()
}

// SetRunningInstances sets the current running-instance gauge.
func (c *Collector) SetRunningInstances(n int) {
	c.runningGauge.Set(float64(n))
}

// OrphansKilled increments the orphan-kill counter by n.
func (c *Collector) OrphansKilled(n int) {
	c.orphansKilled.Add(float64(n))
}

// DetectorStopped records a failure-detector-initiated stop.
func (c *Collector) DetectorStopped(projectID string) {
	c.detectorStops.WithLabelValues(projectID).Inc()
}

// ReconcileErrored increments the reconcile-error counter.
func (c *Collector) ReconcileErrored() {
	c.reconcileErrors.Inc()
}
