package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ummshsh/Recall-Sampler/internal/capture"
	"github.com/ummshsh/Recall-Sampler/internal/host"
)

const namespace = "recall"

// EngineSource exposes capture engine state
type EngineSource interface {
	Status() capture.Status
}

// HostSource exposes host callback counters
type HostSource interface {
	Stats() host.Stats
}

// Metrics contains all Prometheus metrics for the recorder. Engine and host
// state is read at scrape time, so the real-time path never touches a
// collector.
type Metrics struct {
	// UDP ingest metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	PacketsLost      prometheus.Counter
	PacketsLate      prometheus.Counter
	QueueDrops       prometheus.Counter
	QueueSize        prometheus.Gauge

	// Export metrics
	Exports          *prometheus.CounterVec
	ExportFailures   prometheus.Counter
	ExportDuration   prometheus.Histogram
	ExportLength     prometheus.Histogram
	ExportsEvicted   prometheus.Counter
	StatusClients    prometheus.Gauge
	StatusBroadcasts prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on reg. host may be nil.
func NewMetrics(reg prometheus.Registerer, engine EngineSource, hostSrc HostSource) *Metrics {
	factory := promauto.With(reg)

	registerEngineMetrics(factory, engine)
	if hostSrc != nil {
		registerHostMetrics(factory, hostSrc)
	}

	return &Metrics{
		// UDP ingest metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_received_total",
			Help:      "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_processed_total",
			Help:      "Total number of UDP packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_parse_errors_total",
			Help:      "Total number of packet parsing errors",
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_lost_total",
			Help:      "Total number of audio packets missing from the sequence",
		}),
		PacketsLate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_late_total",
			Help:      "Total number of late or duplicate audio packets dropped",
		}),
		QueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_queue_drops_total",
			Help:      "Total number of packets dropped because the processing queue was full",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_queue_size",
			Help:      "Current number of packets in the processing queue",
		}),

		// Export metrics
		Exports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Total number of successful exports",
		}, []string{"kind"}),
		ExportFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_failures_total",
			Help:      "Total number of failed exports",
		}),
		ExportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_duration_seconds",
			Help:      "Time spent encoding exports",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		ExportLength: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_audio_seconds",
			Help:      "Length of exported audio",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8 minutes
		}),
		ExportsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_evicted_total",
			Help:      "Total number of saved exports deleted by retention",
		}),
		StatusClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_clients",
			Help:      "Current number of websocket status subscribers",
		}),
		StatusBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_broadcasts_total",
			Help:      "Total number of status samples sent to subscribers",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

func registerEngineMetrics(factory promauto.Factory, engine EngineSource) {
	gauge := func(name, help string, value func(capture.Status) float64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return value(engine.Status()) })
	}
	counter := func(name, help string, value func(capture.Counters) uint64) {
		factory.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(value(engine.Status().Counters)) })
	}

	gauge("frozen", "Whether capture is frozen (1) or running (0)", func(s capture.Status) float64 { return boolToFloat(s.Frozen) })
	gauge("paused", "Whether the silence gate is holding capture", func(s capture.Status) float64 { return boolToFloat(s.Paused) })
	gauge("capacity_samples", "Ring capacity in samples per channel", func(s capture.Status) float64 { return float64(s.Capacity) })
	gauge("duration_seconds", "Applied history length", func(s capture.Status) float64 { return s.DurationSeconds })
	gauge("requested_duration_seconds", "Requested history length", func(s capture.Status) float64 { return s.RequestedSeconds })
	gauge("write_position", "Ring write cursor", func(s capture.Status) float64 { return float64(s.WritePosition) })
	gauge("silence_seconds", "Accumulated silence on the gate", func(s capture.Status) float64 { return s.SilenceSeconds })

	counter("blocks_processed_total", "Blocks seen by a prepared engine", func(c capture.Counters) uint64 { return c.BlocksProcessed })
	counter("blocks_frozen_total", "Blocks passed through while frozen", func(c capture.Counters) uint64 { return c.BlocksFrozen })
	counter("blocks_silenced_total", "Blocks skipped by the silence gate", func(c capture.Counters) uint64 { return c.BlocksSilenced })
	counter("blocks_written_total", "Blocks written to the ring", func(c capture.Counters) uint64 { return c.BlocksWritten })
	counter("samples_written_total", "Samples per channel written to the ring", func(c capture.Counters) uint64 { return c.SamplesWritten })
	counter("silence_pauses_total", "Times the silence gate engaged", func(c capture.Counters) uint64 { return c.Pauses })
	counter("resizes_total", "Applied duration changes", func(c capture.Counters) uint64 { return c.Resizes })
}

func registerHostMetrics(factory promauto.Factory, src HostSource) {
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "host_callbacks_total",
		Help:      "Blocks delivered to the engine",
	}, func() float64 { return float64(src.Stats().Callbacks) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "host_dropped_total",
		Help:      "Blocks dropped while the host was suspended",
	}, func() float64 { return float64(src.Stats().Dropped) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "host_suspensions_total",
		Help:      "Times the real-time path was suspended",
	}, func() float64 { return float64(src.Stats().Suspensions) })
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// RecordPacketsLost adds sequence gaps to the lost counter
func (m *Metrics) RecordPacketsLost(n uint32) {
	m.PacketsLost.Add(float64(n))
}

// RecordPacketLate increments the late packet counter
func (m *Metrics) RecordPacketLate() {
	m.PacketsLate.Inc()
}

// RecordQueueDrop increments the queue drop counter
func (m *Metrics) RecordQueueDrop() {
	m.QueueDrops.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// RecordExport records a successful export
func (m *Metrics) RecordExport(kind string, durationSeconds, audioSeconds float64) {
	m.Exports.WithLabelValues(kind).Inc()
	m.ExportDuration.Observe(durationSeconds)
	m.ExportLength.Observe(audioSeconds)
}

// RecordExportFailure increments the export failure counter
func (m *Metrics) RecordExportFailure() {
	m.ExportFailures.Inc()
}

// RecordExportEvicted increments the retention eviction counter
func (m *Metrics) RecordExportEvicted() {
	m.ExportsEvicted.Inc()
}

// SetStatusClients sets the number of websocket subscribers
func (m *Metrics) SetStatusClients(count int) {
	m.StatusClients.Set(float64(count))
}

// RecordStatusBroadcast increments the status broadcast counter
func (m *Metrics) RecordStatusBroadcast() {
	m.StatusBroadcasts.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
