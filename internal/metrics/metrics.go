// Package metrics provides Prometheus metrics for the visitid service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "visitid"

// Metrics holds all Prometheus collectors behind a private registry. All
// recording methods are nil-safe so components can run without metrics in
// tests.
type Metrics struct {
	geoCacheHits        prometheus.Counter
	geoCacheMisses      prometheus.Counter
	geoProviderFailures *prometheus.CounterVec
	geoTierResults      *prometheus.CounterVec
	hitClassifications  *prometheus.CounterVec
	storeFailures       prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		geoCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_cache_hits_total",
			Help:      "Geo cache lookups answered without a resolution pass",
		}),
		geoCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_cache_misses_total",
			Help:      "Geo cache lookups that required a resolution pass",
		}),
		geoProviderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_provider_failures_total",
			Help:      "Soft failures per external geo provider",
		}, []string{"provider"}),
		geoTierResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_tier_results_total",
			Help:      "Resolutions answered per tier (source label)",
		}, []string{"source"}),
		hitClassifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hit_classifications_total",
			Help:      "Hit classifications emitted, by class",
		}, []string{"classification"}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Persistence failures absorbed by the fail-open policy",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.geoCacheHits,
		m.geoCacheMisses,
		m.geoProviderFailures,
		m.geoTierResults,
		m.hitClassifications,
		m.storeFailures,
	)
	return m
}

// Handler returns the /metrics HTTP handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) GeoCacheHit() {
	if m != nil {
		m.geoCacheHits.Inc()
	}
}

func (m *Metrics) GeoCacheMiss() {
	if m != nil {
		m.geoCacheMisses.Inc()
	}
}

func (m *Metrics) GeoProviderFailure(provider string) {
	if m != nil {
		m.geoProviderFailures.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) GeoTierResult(source string) {
	if m != nil {
		m.geoTierResults.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) HitClassification(class string) {
	if m != nil {
		m.hitClassifications.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) StoreFailure() {
	if m != nil {
		m.storeFailures.Inc()
	}
}
