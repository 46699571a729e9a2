// Package metrics provides Prometheus metrics for webforge.
// Exports HTTP, pipeline, sandbox, AI, deployment and WebSocket metrics.
package metrics

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "webforge"

var (
	once     sync.Once
	instance *Metrics

	labelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)
)

// Metrics holds all Prometheus metric collectors for webforge
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Pipeline Metrics
	BuildsStarted   *prometheus.CounterVec
	BuildsFinished  *prometheus.CounterVec
	BuildsActive    prometheus.Gauge
	StageDuration   *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec

	// Sandbox Metrics
	LeasesActive    prometheus.Gauge
	LeasesIdle      prometheus.Gauge
	LeaseOperations *prometheus.CounterVec
	SandboxCommands *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// AI Metrics
	AIRequestsTotal   *prometheus.CounterVec
	AIRequestDuration *prometheus.HistogramVec

	// Deployment Metrics
	DeploymentSteps *prometheus.CounterVec

	// WebSocket Metrics
	WebSocketConnections prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.BuildsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "builds_started_total",
			Help:      "Total build start attempts by result (accepted, rejected)",
		},
		[]string{"result"},
	)

	m.BuildsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "builds_finished_total",
			Help:      "Total terminal builds by outcome and failure category",
		},
		[]string{"outcome", "category"},
	)

	m.BuildsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "builds_active",
			Help:      "Builds currently running",
		},
	)

	m.StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds by stage and result",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "result"},
	)

	m.RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "retries_total",
			Help:      "Total retries granted by the retry governor, by error category",
		},
		[]string{"category"},
	)

	m.EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total progress events published by kind",
		},
		[]string{"kind"},
	)

	m.LeasesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "leases_active",
			Help:      "Sandbox leases currently held by a build",
		},
	)

	m.LeasesIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "leases_idle",
			Help:      "Released sandbox environments waiting for reattachment or expiry",
		},
	)

	m.LeaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "lease_operations_total",
			Help:      "Lease operations by kind (create, reattach, release, expire, destroy) and result",
		},
		[]string{"operation", "result"},
	)

	m.SandboxCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "commands_total",
			Help:      "Sandbox commands by provider and result",
		},
		[]string{"provider", "result"},
	)

	m.CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "command_duration_seconds",
			Help:      "Sandbox command duration in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 180},
		},
		[]string{"provider"},
	)

	m.AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "Total completion requests by provider, model and status",
		},
		[]string{"provider", "model", "status"},
	)

	m.AIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "request_duration_seconds",
			Help:      "Completion request duration in seconds",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	m.DeploymentSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployment",
			Name:      "steps_total",
			Help:      "Contract deployment steps by step and result",
		},
		[]string{"step", "result"},
	)

	m.WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Open event stream connections",
		},
	)

	return m
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (m *Metrics) RecordBuildStart(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.BuildsStarted.WithLabelValues(result).Inc()
	if accepted {
		m.BuildsActive.Inc()
	}
}

func (m *Metrics) RecordBuildFinish(outcome, category string) {
	m.BuildsActive.Dec()
	m.BuildsFinished.WithLabelValues(
		sanitizeLabel(outcome, "unknown"),
		sanitizeLabel(category, "none"),
	).Inc()
}

func (m *Metrics) RecordStage(stage string, ok bool, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.StageDuration.WithLabelValues(sanitizeLabel(stage, "unknown"), result).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(category string) {
	m.RetriesTotal.WithLabelValues(sanitizeLabel(category, "unknown")).Inc()
}

func (m *Metrics) RecordEvent(kind string) {
	m.EventsPublished.WithLabelValues(sanitizeLabel(kind, "unknown")).Inc()
}

func (m *Metrics) RecordLeaseOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LeaseOperations.WithLabelValues(sanitizeLabel(operation, "unknown"), result).Inc()
}

// SetLeaseCounts publishes the current pool occupancy.
func (m *Metrics) SetLeaseCounts(active, idle int) {
	m.LeasesActive.Set(float64(active))
	m.LeasesIdle.Set(float64(idle))
}

func (m *Metrics) RecordSandboxCommand(provider string, exitCode int, err error, duration time.Duration) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case exitCode != 0:
		result = "nonzero"
	}
	m.SandboxCommands.WithLabelValues(sanitizeLabel(provider, "unknown"), result).Inc()
	m.CommandDuration.WithLabelValues(sanitizeLabel(provider, "unknown")).Observe(duration.Seconds())
}

func (m *Metrics) RecordAIRequest(provider, model string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.AIRequestsTotal.WithLabelValues(sanitizeLabel(provider, "unknown"), sanitizeLabel(model, "default"), status).Inc()
	m.AIRequestDuration.WithLabelValues(sanitizeLabel(provider, "unknown")).Observe(duration.Seconds())
}

func (m *Metrics) RecordDeploymentStep(step string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DeploymentSteps.WithLabelValues(sanitizeLabel(step, "unknown"), result).Inc()
}

func (m *Metrics) RecordWebSocketConnection(delta int) {
	m.WebSocketConnections.Add(float64(delta))
}

func sanitizeLabel(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = labelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
