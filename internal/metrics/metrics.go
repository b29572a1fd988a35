package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Sizing outcomes recorded by RecordSizing.
const (
	SizingProfitable = "profitable"
	SizingPartial    = "partial"
	SizingNoProfit   = "no_profit"
	SizingDiverged   = "diverged"
	SizingError      = "error"
)

// Metrics holds all Prometheus metrics for the arbitrage detection system.
// Every instance owns its registry, so several engines (or tests) can coexist.
type Metrics struct {
	registry *prometheus.Registry

	// Event metrics
	EventsApplied  *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	BatchLatency   prometheus.Histogram

	// Graph metrics
	GraphNodes   prometheus.Gauge
	GraphEdges   prometheus.Gauge
	PoolsTracked prometheus.Gauge

	// Snapshot metrics
	SnapshotLatency  prometheus.Histogram
	SnapshotsDropped prometheus.Counter
	LastBatch        prometheus.Gauge

	// Detection metrics
	SearchLatency           prometheus.Histogram
	SearchesPartial         prometheus.Counter
	CyclesFound             prometheus.Counter
	SizingOutcomes          *prometheus.CounterVec
	SizingLatency           prometheus.Histogram
	ProfitableOpportunities prometheus.Counter

	// Pipeline metrics
	PipelineLatency  prometheus.Histogram
	BootstrapLatency prometheus.Histogram

	server *http.Server
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_events_applied_total",
				Help: "Pool state changes applied, by pool venue",
			},
			[]string{"venue"},
		),
		EventsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_events_rejected_total",
				Help: "Pool state changes rejected, by reason",
			},
			[]string{"reason"},
		),
		BatchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arb_batch_latency_seconds",
				Help:    "Time to apply one batch of events to the graph",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
			},
		),
		GraphNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_graph_nodes",
				Help: "Current number of nodes (tokens) in the graph",
			},
		),
		GraphEdges: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_graph_edges",
				Help: "Current number of edges (pool directions) in the graph",
			},
		),
		PoolsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_pools_tracked",
				Help: "Number of pools currently being tracked",
			},
		),
		SnapshotLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arb_snapshot_latency_seconds",
				Help:    "Time to create a graph snapshot",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
			},
		),
		SnapshotsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_snapshots_replaced_total",
				Help: "Snapshots replaced by a newer one before the detector read them",
			},
		),
		LastBatch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_last_batch",
				Help: "Sequence number of the last published batch",
			},
		),
		SearchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arb_search_latency_seconds",
				Help:    "Time to run the cycle search on a snapshot",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
			},
		),
		SearchesPartial: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_searches_partial_total",
				Help: "Cycle searches cut short by their deadline or budget",
			},
		),
		CyclesFound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_cycles_found_total",
				Help: "Total number of negative cycles found",
			},
		),
		SizingOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_sizing_total",
				Help: "Cycle sizing attempts, by outcome",
			},
			[]string{"outcome"},
		),
		SizingLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arb_sizing_latency_seconds",
				Help:    "Time to size one cycle",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10us to ~300ms
			},
		),
		ProfitableOpportunities: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_profitable_opportunities_total",
				Help: "Total number of opportunities verified with exact swap math",
			},
		),
		PipelineLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arb_pipeline_latency_seconds",
				Help:    "Latency from snapshot creation to opportunity emission",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
		),
		BootstrapLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arb_bootstrap_latency_seconds",
				Help:    "Time to build the graph from pool metadata",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
			},
		),
	}

	m.registry.MustRegister(
		m.EventsApplied,
		m.EventsRejected,
		m.BatchLatency,
		m.GraphNodes,
		m.GraphEdges,
		m.PoolsTracked,
		m.SnapshotLatency,
		m.SnapshotsDropped,
		m.LastBatch,
		m.SearchLatency,
		m.SearchesPartial,
		m.CyclesFound,
		m.SizingOutcomes,
		m.SizingLatency,
		m.ProfitableOpportunities,
		m.PipelineLatency,
		m.BootstrapLatency,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordEventApplied increments the applied counter for a pool venue.
func (m *Metrics) RecordEventApplied(venue string) {
	m.EventsApplied.WithLabelValues(venue).Inc()
}

// RecordEventRejected increments the rejected counter for a reason.
func (m *Metrics) RecordEventRejected(reason string) {
	m.EventsRejected.WithLabelValues(reason).Inc()
}

// RecordBatchLatency records the time to apply a batch.
func (m *Metrics) RecordBatchLatency(d time.Duration) {
	m.BatchLatency.Observe(d.Seconds())
}

// RecordGraphStats updates the graph node, edge and pool counts.
func (m *Metrics) RecordGraphStats(nodes, edges, pools int) {
	m.GraphNodes.Set(float64(nodes))
	m.GraphEdges.Set(float64(edges))
	m.PoolsTracked.Set(float64(pools))
}

// RecordSnapshotLatency records the time to create a snapshot.
func (m *Metrics) RecordSnapshotLatency(d time.Duration) {
	m.SnapshotLatency.Observe(d.Seconds())
}

// RecordSnapshotReplaced counts a snapshot dropped for a newer one.
func (m *Metrics) RecordSnapshotReplaced() {
	m.SnapshotsDropped.Inc()
}

// SetLastBatch sets the last published batch sequence.
func (m *Metrics) SetLastBatch(seq uint64) {
	m.LastBatch.Set(float64(seq))
}

// RecordSearch records one cycle search.
func (m *Metrics) RecordSearch(d time.Duration, cycles int, partial bool) {
	m.SearchLatency.Observe(d.Seconds())
	m.CyclesFound.Add(float64(cycles))
	if partial {
		m.SearchesPartial.Inc()
	}
}

// RecordSizing records one sizing attempt and its outcome.
func (m *Metrics) RecordSizing(outcome string, d time.Duration) {
	m.SizingOutcomes.WithLabelValues(outcome).Inc()
	m.SizingLatency.Observe(d.Seconds())
}

// RecordProfitableOpportunity increments the profitable opportunities counter.
func (m *Metrics) RecordProfitableOpportunity() {
	m.ProfitableOpportunities.Inc()
}

// RecordPipelineLatency records the full pipeline latency.
func (m *Metrics) RecordPipelineLatency(d time.Duration) {
	m.PipelineLatency.Observe(d.Seconds())
}

// RecordBootstrapLatency records the bootstrap duration.
func (m *Metrics) RecordBootstrapLatency(d time.Duration) {
	m.BootstrapLatency.Observe(d.Seconds())
}
