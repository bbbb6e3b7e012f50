// SPDX-License-Identifier: MPL-2.0

package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gosh-builder/internal/gitcache"
	"gosh-builder/internal/ledger"
)

const metricsNamespace = "gosh"

// metrics are registered on a per-service registry so several services can
// coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	// requests counts handled requests.
	// Labels: surface (http, grpc), route, status
	requests *prometheus.CounterVec

	// duration measures request latency.
	// Labels: surface, route
	duration *prometheus.HistogramVec
}

func newMetrics(stats *gitcache.Stats, l *ledger.Ledger, sessions *SessionPool) *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests handled by the fetch proxy",
		}, []string{"surface", "route", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Fetch proxy request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"surface", "route"}),
	}

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "cache",
		Name:      "clones_total",
		Help:      "Repositories cloned into the git cache",
	}, func() float64 { return float64(stats.Clones()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "cache",
		Name:      "refreshes_total",
		Help:      "Warm cache entries refreshed from their remote",
	}, func() float64 { return float64(stats.Refreshes()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "cache",
		Name:      "failures_total",
		Help:      "Failed clone or refresh attempts",
	}, func() float64 { return float64(stats.Failures()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "ledger",
		Name:      "records",
		Help:      "Distinct resources recorded in the provenance ledger",
	}, func() float64 { return float64(l.Len()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "proxy",
		Name:      "sessions",
		Help:      "Live remote-helper sessions",
	}, func() float64 { return float64(sessions.Len()) })

	return m
}

func (m *metrics) observe(surface, route, status string, seconds float64) {
	m.requests.WithLabelValues(surface, route, status).Inc()
	m.duration.WithLabelValues(surface, route).Observe(seconds)
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
