// Package metrics exposes Prometheus instrumentation for ingestion and
// dispatch. A Metrics value is constructed once at startup and passed to
// the components that record into it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the router's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	BlocksIngested  *prometheus.CounterVec
	Reorgs          *prometheus.CounterVec
	ReorgDepth      *prometheus.HistogramVec
	Occurrences     *prometheus.CounterVec
	DispatchFailed  *prometheus.CounterVec
	PredicatesLive  prometheus.Gauge
	ScannerProgress *prometheus.GaugeVec
}

// New builds the collector set on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		BlocksIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainhookd", Name: "blocks_ingested_total",
			Help: "Blocks applied to the canonical view, per chain.",
		}, []string{"chain"}),
		Reorgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainhookd", Name: "reorgs_total",
			Help: "Reorganizations observed, per chain.",
		}, []string{"chain"}),
		ReorgDepth: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chainhookd", Name: "reorg_depth",
			Help:    "Rollback depth of observed reorganizations.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}, []string{"chain"}),
		Occurrences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainhookd", Name: "occurrences_dispatched_total",
			Help: "Occurrences delivered, per action kind.",
		}, []string{"action"}),
		DispatchFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainhookd", Name: "dispatch_failures_total",
			Help: "Dispatches that exhausted their retries, per action kind.",
		}, []string{"action"}),
		PredicatesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainhookd", Name: "predicates_registered",
			Help: "Currently registered predicates.",
		}),
		ScannerProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainhookd", Name: "scanner_cursor",
			Help: "Backfill cursor height, per predicate.",
		}, []string{"predicate_uuid"}),
	}
	reg.MustRegister(m.BlocksIngested, m.Reorgs, m.ReorgDepth, m.Occurrences,
		m.DispatchFailed, m.PredicatesLive, m.ScannerProgress)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
