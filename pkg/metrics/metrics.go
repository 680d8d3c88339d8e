// Package metrics exposes Prometheus instrumentation for a running
// Coordinator. The core coordination engine (pkg/coordinator) never
// imports Prometheus itself (§5, §9: the core is a pure state machine); this
// package is a pull-based adapter a host wires in separately, reading the
// Coordinator's plain Go values after each tick.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors a PeaPod host updates as it
// drives its Coordinator.
type Metrics struct {
	reg prometheus.Registerer

	activePeers       prometheus.Gauge
	isolatedPeers     prometheus.Gauge
	chunksInFlight    prometheus.Gauge
	chunksAssigned    *prometheus.CounterVec
	chunkFailures     *prometheus.CounterVec
	transfersStarted  prometheus.Counter
	transfersComplete prometheus.Counter
	bytesAccelerated  prometheus.Counter
	tickDurationSecs  prometheus.Histogram
}

// NewMetrics registers PeaPod's collectors against the default Prometheus
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers PeaPod's collectors against reg, which
// lets tests use an isolated registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		activePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peapod_active_peers",
			Help: "Number of peers currently in the coordinator's live peer table.",
		}),
		isolatedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peapod_isolated_peers",
			Help: "Number of peers permanently isolated after repeated integrity failures.",
		}),
		chunksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peapod_chunks_in_flight",
			Help: "Number of chunks of the active transfer currently awaiting a response.",
		}),
		chunksAssigned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peapod_chunks_assigned_total",
			Help: "Total chunks assigned to a worker, labeled by worker device id.",
		}, []string{"worker"}),
		chunkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peapod_chunk_failures_total",
			Help: "Total chunk integrity failures and timeouts, labeled by worker device id.",
		}, []string{"worker"}),
		transfersStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "peapod_transfers_started_total",
			Help: "Total accelerated transfers started.",
		}),
		transfersComplete: factory.NewCounter(prometheus.CounterOpts{
			Name: "peapod_transfers_completed_total",
			Help: "Total accelerated transfers reassembled successfully.",
		}),
		bytesAccelerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "peapod_bytes_accelerated_total",
			Help: "Total bytes delivered via accelerated (LAN-cooperative) transfers.",
		}),
		tickDurationSecs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peapod_tick_duration_seconds",
			Help:    "Wall-clock time spent inside one Coordinator.Tick call.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObservePeerTable records the current size of the live and isolated peer
// sets.
func (m *Metrics) ObservePeerTable(active, isolated int) {
	m.activePeers.Set(float64(active))
	m.isolatedPeers.Set(float64(isolated))
}

// ObserveChunksInFlight records the current in-flight chunk count for the
// active transfer, or 0 if there is none.
func (m *Metrics) ObserveChunksInFlight(n int) {
	m.chunksInFlight.Set(float64(n))
}

// RecordChunkAssigned increments the assignment counter for worker.
func (m *Metrics) RecordChunkAssigned(worker string) {
	m.chunksAssigned.WithLabelValues(worker).Inc()
}

// RecordChunkFailure increments the failure counter for worker.
func (m *Metrics) RecordChunkFailure(worker string) {
	m.chunkFailures.WithLabelValues(worker).Inc()
}

// RecordTransferStarted increments the started-transfers counter.
func (m *Metrics) RecordTransferStarted() {
	m.transfersStarted.Inc()
}

// RecordTransferCompleted increments the completed-transfers counter and
// the accelerated-bytes counter by bytes.
func (m *Metrics) RecordTransferCompleted(bytes int) {
	m.transfersComplete.Inc()
	m.bytesAccelerated.Add(float64(bytes))
}

// ObserveTickDuration records how long one Tick call took, in seconds.
func (m *Metrics) ObserveTickDuration(seconds float64) {
	m.tickDurationSecs.Observe(seconds)
}
