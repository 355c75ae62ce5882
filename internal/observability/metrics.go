package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Discovery results
const (
	DiscoverySuccess = "success"
	DiscoveryFailure = "failure"
)

// Metrics holds the gateway's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	authorizationOutcomes *prometheus.CounterVec
	resolutionDuration    *prometheus.HistogramVec
	providerDiscovery     *prometheus.CounterVec
	httpRequests          *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway collectors, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authorizationOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "authorization_outcomes_total",
				Help:      "Authorization decisions by outcome.",
			},
			[]string{"outcome"},
		),
		resolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "identity_resolution_duration_seconds",
				Help:      "Time spent resolving bearer tokens against the identity provider.",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
			},
			[]string{"outcome"},
		),
		providerDiscovery: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_discovery_total",
				Help:      "Provider discovery attempts by result.",
			},
			[]string{"result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served, by method and status code.",
			},
			[]string{"method", "code"},
		),
	}

	m.registry.MustRegister(
		m.authorizationOutcomes,
		m.resolutionDuration,
		m.providerDiscovery,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveAuthorization counts an authorization outcome. When the provider was
// consulted, resolution is the time it took; zero means it was not called.
func (m *Metrics) ObserveAuthorization(outcome string, resolution time.Duration) {
	m.authorizationOutcomes.WithLabelValues(outcome).Inc()
	if resolution > 0 {
		m.resolutionDuration.WithLabelValues(outcome).Observe(resolution.Seconds())
	}
}

// ObserveDiscovery counts a provider discovery attempt
func (m *Metrics) ObserveDiscovery(err error) {
	if err != nil {
		m.providerDiscovery.WithLabelValues(DiscoveryFailure).Inc()
		return
	}
	m.providerDiscovery.WithLabelValues(DiscoverySuccess).Inc()
}

// InstrumentHandler counts requests served by next
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(m.httpRequests, next)
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
