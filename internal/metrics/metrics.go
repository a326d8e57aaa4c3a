// Package metrics exposes index and queue activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one process. Each instance owns
// its registry, so tests can create as many as they like.
//
// Metrics:
//   - chatcore_embedding_cache_hits_total
//   - chatcore_embedding_cache_misses_total
//   - chatcore_documents
//   - chatcore_queue_pending
//   - chatcore_queue_failed
//   - chatcore_delivery_attempts_total{outcome}
//   - chatcore_sync_passes_total
type Metrics struct {
	registry *prometheus.Registry

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	Documents        prometheus.Gauge

	QueuePending          prometheus.Gauge
	QueueFailed           prometheus.Gauge
	DeliveryAttemptsTotal *prometheus.CounterVec
	SyncPassesTotal       prometheus.Counter
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_embedding_cache_hits_total",
			Help: "Embedding lookups served from the cache",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_embedding_cache_misses_total",
			Help: "Embedding lookups that called the provider",
		}),
		Documents: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatcore_documents",
			Help: "Documents in the vector store",
		}),
		QueuePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatcore_queue_pending",
			Help: "Queued messages waiting for or undergoing delivery",
		}),
		QueueFailed: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatcore_queue_failed",
			Help: "Queued messages that exhausted their retries",
		}),
		DeliveryAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_delivery_attempts_total",
			Help: "Delivery attempts by outcome",
		}, []string{"outcome"}), // "delivered", "retry" or "failed"
		SyncPassesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_sync_passes_total",
			Help: "Completed sync passes",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CacheHit records an embedding cache hit.
func (m *Metrics) CacheHit() { m.CacheHitsTotal.Inc() }

// CacheMiss records an embedding cache miss.
func (m *Metrics) CacheMiss() { m.CacheMissesTotal.Inc() }

// SetDocumentCount sets the documents gauge.
func (m *Metrics) SetDocumentCount(n int) { m.Documents.Set(float64(n)) }

// DeliveryAttempt counts one delivery attempt with its outcome.
func (m *Metrics) DeliveryAttempt(outcome string) {
	m.DeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
}

// SyncPass counts one completed sync pass.
func (m *Metrics) SyncPass() { m.SyncPassesTotal.Inc() }

// SetQueueDepth sets the pending and failed gauges.
func (m *Metrics) SetQueueDepth(pending, failed int) {
	m.QueuePending.Set(float64(pending))
	m.QueueFailed.Set(float64(failed))
}
