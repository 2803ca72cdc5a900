// Package metrics holds the prometheus collectors of the waiting service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "waiting"

// Metrics is safe to use through a nil pointer; every method becomes a no-op.
type Metrics struct {
	registry *prometheus.Registry

	Transitions   *prometheus.CounterVec
	Registrations *prometheus.CounterVec
	Sweeps        prometheus.Counter
	SweepEntries  *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Waiting entry transitions by action and result",
			},
			[]string{"action", "result"},
		),
		Registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrations_total",
				Help:      "Successful registrations by source",
			},
			[]string{"source"},
		),
		Sweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Timeout sweeps executed",
			},
		),
		SweepEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "entries_total",
				Help:      "Expired calls handled by the sweeper by outcome",
			},
			[]string{"outcome"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method and status",
			},
			[]string{"method", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	m.registry.MustRegister(
		m.Transitions,
		m.Registrations,
		m.Sweeps,
		m.SweepEntries,
		m.HTTPRequests,
		m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ObserveTransition(action, result string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ObserveRegistration(source string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveSweep(cancelled, skipped, failed int) {
	if m == nil {
		return
	}
	m.Sweeps.Inc()
	m.SweepEntries.WithLabelValues("cancelled").Add(float64(cancelled))
	m.SweepEntries.WithLabelValues("skipped").Add(float64(skipped))
	m.SweepEntries.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) ObserveRequest(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method).Observe(duration.Seconds())
}
