package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tidewatch"

// Pipeline outcome labels.
const (
	OutcomeStored   = "stored"
	OutcomeFragment = "fragment"
	OutcomePaused   = "paused"
	OutcomeIgnored  = "ignored"
	OutcomePending  = "pending"
	OutcomeError    = "error"
)

// Metrics holds the collectors shared by the ingestion pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sentencesTotal      *prometheus.CounterVec
	routeDuration       prometheus.Histogram
	queueDepth          *prometheus.GaugeVec
	broadcastEvictions  prometheus.Counter
	enrichmentLookups   *prometheus.CounterVec
	enrichmentDropped   prometheus.Counter
	adapterExits        *prometheus.CounterVec
	quotaPurgedMessages prometheus.Counter
	spoofJumps          *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry along
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sentencesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "sentences_total",
			Help:      "Sentences routed, labeled by outcome.",
		}, []string{"outcome"}),
		routeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "route_duration_seconds",
			Help:      "Time to route one sentence through decode, persistence and broadcast.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Sentences waiting in each ingest shard.",
		}, []string{"shard"}),
		broadcastEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "evictions_total",
			Help:      "Subscribers dropped because their buffer was full.",
		}),
		enrichmentLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "lookups_total",
			Help:      "Profile lookups, labeled by result.",
		}, []string{"result"}),
		enrichmentDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "dropped_total",
			Help:      "Stations not enqueued because the enrichment queue was full.",
		}),
		adapterExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sources",
			Name:      "adapter_exits_total",
			Help:      "Transport adapters that stopped, labeled by transport and reason.",
		}, []string{"transport", "reason"}),
		quotaPurgedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sources",
			Name:      "purged_messages_total",
			Help:      "Messages deleted to enforce per-source message limits.",
		}),
		spoofJumps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "spoof_jumps_total",
			Help:      "Valid fixes farther from the station's previous fix than the source spoof limit.",
		}, []string{"source"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sentencesTotal,
		m.routeDuration,
		m.queueDepth,
		m.broadcastEvictions,
		m.enrichmentLookups,
		m.enrichmentDropped,
		m.adapterExits,
		m.quotaPurgedMessages,
		m.spoofJumps,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRoute(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sentencesTotal.WithLabelValues(outcome).Inc()
	m.routeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SetQueueDepth(shard string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(shard).Set(float64(depth))
}

func (m *Metrics) BroadcastEvicted() {
	if m == nil {
		return
	}
	m.broadcastEvictions.Inc()
}

func (m *Metrics) EnrichmentLookup(result string) {
	if m == nil {
		return
	}
	m.enrichmentLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) EnrichmentDropped() {
	if m == nil {
		return
	}
	m.enrichmentDropped.Inc()
}

func (m *Metrics) AdapterExited(transport, reason string) {
	if m == nil {
		return
	}
	m.adapterExits.WithLabelValues(transport, reason).Inc()
}

func (m *Metrics) MessagesPurged(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.quotaPurgedMessages.Add(float64(count))
}

func (m *Metrics) SpoofJumpDetected(sourceID string) {
	if m == nil {
		return
	}
	m.spoofJumps.WithLabelValues(sourceID).Inc()
}
