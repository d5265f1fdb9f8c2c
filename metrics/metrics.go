// Package metrics exposes prometheus collectors for the stylize server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stylize"

func newCounterVec(subsystem, name, help string, labelNames ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labelNames)
}

// Metrics holds the collectors of one server. Each instance has its own
// registry so several servers can coexist in a process.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	transfers   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	queued      prometheus.Gauge
	inflight    prometheus.Gauge
	engineReady prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		requests:  newCounterVec("http", "requests_total", "HTTP requests by route and status code.", "method", "route", "status_code"),
		transfers: newCounterVec("engine", "transfers_total", "Style transfers by outcome.", "status"),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "duration_seconds",
			Help:      "Time spent in the engine per operation.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"operation"}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "queued_requests",
			Help:      "Requests waiting for the engine.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "inflight_requests",
			Help:      "Requests currently running on the engine.",
		}),
		engineReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "ready",
			Help:      "1 when both models are loaded, 0 otherwise.",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.transfers,
		m.duration,
		m.queued,
		m.inflight,
		m.engineReady,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveRequest(method, route string, status int) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// ObserveEngine records one engine operation and its outcome.
func (m *Metrics) ObserveEngine(operation string, d time.Duration, err error) {
	m.duration.WithLabelValues(operation).Observe(d.Seconds())

	if operation == "transfer" {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.transfers.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Queued(delta float64)   { m.queued.Add(delta) }
func (m *Metrics) InFlight(delta float64) { m.inflight.Add(delta) }

func (m *Metrics) SetReady(ready bool) {
	if ready {
		m.engineReady.Set(1)
	} else {
		m.engineReady.Set(0)
	}
}
