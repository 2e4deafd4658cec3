package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DownloadMetrics instruments the download engine. All methods are safe on
// a nil receiver so callers never branch on whether metrics are enabled.
type DownloadMetrics struct {
	transfersStarted  *prometheus.CounterVec
	transfersFinished *prometheus.CounterVec
	bytesReceived     *prometheus.CounterVec
	transferDuration  prometheus.Histogram
	inFlight          *prometheus.GaugeVec
	inFlightTotal     prometheus.Gauge
	writerQueueDepth  prometheus.Gauge
	pendingTransfers  prometheus.Gauge
}

// NewDownloadMetrics creates the engine metric set.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewDownloadMetrics() *DownloadMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &DownloadMetrics{
		transfersStarted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "esgfetch_transfers_started_total",
				Help: "Total number of transfers dispatched to workers, by datanode",
			},
			[]string{"datanode"},
		),
		transfersFinished: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "esgfetch_transfers_finished_total",
				Help: "Total number of transfers reaching a terminal event, by datanode and outcome",
			},
			[]string{"datanode", "outcome"}, // "done", "error", "aborted"
		),
		bytesReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "esgfetch_bytes_received_total",
				Help: "Total bytes received from data nodes",
			},
			[]string{"datanode"},
		),
		transferDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "esgfetch_transfer_duration_seconds",
				Help:    "Wall time of completed transfers",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
			},
		),
		inFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "esgfetch_in_flight_workers",
				Help: "Running download workers, by datanode",
			},
			[]string{"datanode"},
		),
		inFlightTotal: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "esgfetch_in_flight_workers_total",
				Help: "Running download workers across all datanodes",
			},
		),
		writerQueueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "esgfetch_writer_queue_depth",
				Help: "Records queued for the serialized writer",
			},
		),
		pendingTransfers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "esgfetch_pending_transfers",
				Help: "Transfers queued in host slots, not yet dispatched",
			},
		),
	}
}

// RecordStart counts a worker dispatch.
func (m *DownloadMetrics) RecordStart(datanode string) {
	if m == nil {
		return
	}
	m.transfersStarted.WithLabelValues(datanode).Inc()
	m.inFlight.WithLabelValues(datanode).Inc()
	m.inFlightTotal.Inc()
}

// RecordFinish counts a terminal event. Outcome is "done", "error", or
// "aborted".
func (m *DownloadMetrics) RecordFinish(datanode, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.transfersFinished.WithLabelValues(datanode, outcome).Inc()
	m.inFlight.WithLabelValues(datanode).Dec()
	m.inFlightTotal.Dec()
	if outcome == "done" {
		m.transferDuration.Observe(seconds)
	}
}

// RecordBytes counts received payload bytes.
func (m *DownloadMetrics) RecordBytes(datanode string, n int) {
	if m == nil {
		return
	}
	m.bytesReceived.WithLabelValues(datanode).Add(float64(n))
}

// SetWriterQueueDepth samples the writer queue length.
func (m *DownloadMetrics) SetWriterQueueDepth(n int) {
	if m == nil {
		return
	}
	m.writerQueueDepth.Set(float64(n))
}

// SetPendingTransfers samples the aggregate host-slot backlog.
func (m *DownloadMetrics) SetPendingTransfers(n int) {
	if m == nil {
		return
	}
	m.pendingTransfers.Set(float64(n))
}
