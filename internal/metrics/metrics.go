package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the HTTP surface along with
// the registry they live in. Using a private registry keeps the exposition
// limited to what this process deliberately exports.
type Metrics struct {
	registry *prometheus.Registry

	requestsInFlight prometheus.Gauge
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{registry: registry}

	m.requestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "depot",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Requests currently being served.",
	})
	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depot",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Requests served, by method and status code.",
	}, []string{"method", "code"})
	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "depot",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Request latency, by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	registry.MustRegister(m.requestsInFlight, m.requestsTotal, m.requestDuration)

	return m
}

// Instrument wraps next with in-flight, count, and latency tracking.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(m.requestsInFlight,
		promhttp.InstrumentHandlerDuration(m.requestDuration,
			promhttp.InstrumentHandlerCounter(m.requestsTotal, next)))
}

// Handler serves the collected metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
