// Package metrics exposes executor counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openruntimes_executor"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	RuntimesCreated   *prometheus.CounterVec
	RuntimeCreateTime prometheus.Histogram
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ColdStarts        prometheus.Counter
	ColdStartDuration prometheus.Histogram
	ExecutionRetries  prometheus.Counter
	RuntimesEvicted   prometheus.Counter
	ActiveRuntimes    prometheus.Gauge
	HostCPUUsage      prometheus.Gauge
	RuntimeCPUUsage   *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RuntimesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runtimes_created_total",
				Help:      "Runtime creations by outcome",
			},
			[]string{"version", "outcome"},
		),
		RuntimeCreateTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "runtime_create_duration_seconds",
				Help:      "Time to create and build a runtime",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
			},
		),
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Executions by protocol version and status class",
			},
			[]string{"version", "status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Execution wall time from cold start to response",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"version"},
		),
		ColdStarts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_starts_total",
				Help:      "Executions that had to wait for the runtime to start listening",
			},
		),
		ColdStartDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cold_start_duration_seconds",
				Help:      "Time until a runtime first accepted a connection",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		ExecutionRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_retries_total",
				Help:      "Execution attempts retried after a connection failure",
			},
		),
		RuntimesEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runtimes_evicted_total",
				Help:      "Idle runtimes removed by maintenance",
			},
		),
		ActiveRuntimes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runtimes",
				Help:      "Runtimes currently in the registry",
			},
		),
		HostCPUUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "host_cpu_usage_percent",
				Help:      "Averaged host CPU usage",
			},
		),
		RuntimeCPUUsage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runtime_cpu_usage_percent",
				Help:      "Averaged CPU usage per runtime",
			},
			[]string{"runtime"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RuntimeCreated(version string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.RuntimesCreated.WithLabelValues(version, outcome).Inc()
	m.RuntimeCreateTime.Observe(d.Seconds())
}

func (m *Metrics) ExecutionFinished(version string, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(version, statusClass(statusCode)).Inc()
	m.ExecutionDuration.WithLabelValues(version).Observe(d.Seconds())
}

func (m *Metrics) ExecutionFailed(version, errType string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(version, errType).Inc()
}

func (m *Metrics) ColdStart(d time.Duration) {
	if m == nil {
		return
	}
	m.ColdStarts.Inc()
	m.ColdStartDuration.Observe(d.Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.ExecutionRetries.Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.RuntimesEvicted.Add(float64(n))
}

func (m *Metrics) SetActiveRuntimes(n int) {
	if m == nil {
		return
	}
	m.ActiveRuntimes.Set(float64(n))
}

// SetUsage replaces the CPU gauges with the latest averaged sample.
func (m *Metrics) SetUsage(host float64, runtimes map[string]float64) {
	if m == nil {
		return
	}
	m.HostCPUUsage.Set(host)
	m.RuntimeCPUUsage.Reset()
	for name, usage := range runtimes {
		m.RuntimeCPUUsage.WithLabelValues(name).Set(usage)
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
