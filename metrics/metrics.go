// Package metrics bundles the process-local prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters the proxy components report into. A nil
// *Metrics is valid and counts nothing, so wiring stays optional.
type Metrics struct {
	registry *prometheus.Registry

	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	Admissions         prometheus.Counter
	AdmissionsRejected prometheus.Counter
	Evictions          prometheus.Counter
	Expirations        prometheus.Counter
	Invalidations      prometheus.Counter
	UpstreamAttempts   prometheus.Counter
	UpstreamRetries    prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachepit",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	return &Metrics{
		registry:           reg,
		CacheHits:          counter("cache_hits_total", "Lookups served from the cache."),
		CacheMisses:        counter("cache_misses_total", "Lookups that went upstream."),
		Admissions:         counter("cache_admissions_total", "Responses admitted into the cache."),
		AdmissionsRejected: counter("cache_admissions_rejected_total", "Responses rejected by the admission policy."),
		Evictions:          counter("cache_evictions_total", "Entries evicted under size pressure."),
		Expirations:        counter("cache_expirations_total", "Entries removed by TTL or TTI."),
		Invalidations:      counter("cache_invalidations_total", "Invalidation events applied."),
		UpstreamAttempts:   counter("upstream_attempts_total", "HTTP attempts against the upstream endpoint."),
		UpstreamRetries:    counter("upstream_retries_total", "Retried upstream attempts."),
	}
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// The Inc helpers keep call sites nil-safe.

func (m *Metrics) IncCacheHits() {
	if m != nil {
		inc(m.CacheHits)
	}
}

func (m *Metrics) IncCacheMisses() {
	if m != nil {
		inc(m.CacheMisses)
	}
}

func (m *Metrics) IncAdmissions() {
	if m != nil {
		inc(m.Admissions)
	}
}

func (m *Metrics) IncAdmissionsRejected() {
	if m != nil {
		inc(m.AdmissionsRejected)
	}
}

func (m *Metrics) IncEvictions() {
	if m != nil {
		inc(m.Evictions)
	}
}

func (m *Metrics) IncExpirations() {
	if m != nil {
		inc(m.Expirations)
	}
}

func (m *Metrics) IncInvalidations() {
	if m != nil {
		inc(m.Invalidations)
	}
}

func (m *Metrics) IncUpstreamAttempts() {
	if m != nil {
		inc(m.UpstreamAttempts)
	}
}

func (m *Metrics) IncUpstreamRetries() {
	if m != nil {
		inc(m.UpstreamRetries)
	}
}
