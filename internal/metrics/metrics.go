// Package metrics exposes engine counters in the Prometheus format
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediakit/internal/streammanager"
	"mediakit/pkg/models"
)

const namespace = "mediakit"

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Stream metrics
	ActiveStreams  prometheus.Gauge
	StreamsStarted *prometheus.CounterVec
	StreamsStopped *prometheus.CounterVec
	StreamDuration prometheus.Histogram

	// Recording metrics
	SegmentsCreated prometheus.Counter
	SegmentDuration prometheus.Histogram
	SegmentSize     prometheus.Histogram
	RecordFiles     *prometheus.CounterVec
	RecordBytes     *prometheus.CounterVec

	// Session metrics
	Sessions *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the metrics on a private registry. With a manager, they
// follow its sources and report per-source ingest counters.
func New(mgr *streammanager.Manager) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of currently registered sources",
		}),
		StreamsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Total number of sources registered",
		}, []string{"schema"}),
		StreamsStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_stopped_total",
			Help:      "Total number of sources unregistered",
		}, []string{"schema"}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Lifetime of sources in seconds",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),

		SegmentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hls_segments_created_total",
			Help:      "Total number of HLS segments written",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hls_segment_duration_seconds",
			Help:      "Duration of HLS segments",
			Buckets:   []float64{1, 2, 3, 4, 5, 10},
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hls_segment_size_bytes",
			Help:      "Size of HLS segments in bytes",
			Buckets:   prometheus.ExponentialBuckets(10240, 2, 10), // 10KB to ~5MB
		}),
		RecordFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_files_total",
			Help:      "Total number of finished recording files",
		}, []string{"type"}),
		RecordBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_bytes_total",
			Help:      "Total bytes written by recorders",
		}, []string{"type"}),

		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted sessions",
		}, []string{"schema", "role"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	if mgr != nil {
		reg.MustRegister(&sourceCollector{mgr: mgr})
		mgr.AddObserver(m)
	}
	return m
}

// Registry is the registry every metric is registered with
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SourceRegistered counts a new source
func (m *Metrics) SourceRegistered(src *streammanager.Source) {
	m.ActiveStreams.Inc()
	m.StreamsStarted.WithLabelValues(string(src.Schema())).Inc()
}

// SourceUnregistered records the lifetime of a finished source
func (m *Metrics) SourceUnregistered(src *streammanager.Source) {
	m.ActiveStreams.Dec()
	m.StreamsStopped.WithLabelValues(string(src.Schema())).Inc()
	m.StreamDuration.Observe(time.Since(src.CreatedAt()).Seconds())
}

// RecordFile counts a finished segment or recording file
func (m *Metrics) RecordFile(typ models.RecordType, info models.RecordInfo) {
	m.RecordFiles.WithLabelValues(typ.String()).Inc()
	m.RecordBytes.WithLabelValues(typ.String()).Add(float64(info.FileSize))
	if typ == models.RecordHLS {
		m.SegmentsCreated.Inc()
		m.SegmentDuration.Observe(info.Duration)
		m.SegmentSize.Observe(float64(info.FileSize))
	}
}

// RecordSession counts an accepted player or pusher
func (m *Metrics) RecordSession(url models.MediaInfo, isPlayer bool) {
	role := "pusher"
	if isPlayer {
		role = "player"
	}
	m.Sessions.WithLabelValues(string(url.Schema), role).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusClass folds a status code into 2xx, 3xx, 4xx or 5xx
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// sourceCollector reads ingest counters from the live sources at scrape time
type sourceCollector struct {
	mgr *streammanager.Manager
}

var (
	labels = []string{"vhost", "app", "stream", "schema"}

	framesDesc = prometheus.NewDesc(namespace+"_source_frames_received_total",
		"Frames received by a source", labels, nil)
	keyFramesDesc = prometheus.NewDesc(namespace+"_source_keyframes_received_total",
		"Key frames received by a source", labels, nil)
	bytesDesc = prometheus.NewDesc(namespace+"_source_bytes_received_total",
		"Payload bytes received by a source", labels, nil)
	droppedDesc = prometheus.NewDesc(namespace+"_source_frames_dropped_total",
		"Frames dropped for slow readers", labels, nil)
	readersDesc = prometheus.NewDesc(namespace+"_source_readers",
		"Players attached to a source", labels, nil)
)

func (c *sourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- framesDesc
	ch <- keyFramesDesc
	ch <- bytesDesc
	ch <- droppedDesc
	ch <- readersDesc
}

func (c *sourceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.mgr.Sources() {
		info := src.Info()
		lv := []string{info.Key.Vhost, info.Key.App, info.Key.Stream, string(info.Schema)}
		ch <- prometheus.MustNewConstMetric(framesDesc, prometheus.CounterValue, float64(info.Stats.FramesReceived), lv...)
		ch <- prometheus.MustNewConstMetric(keyFramesDesc, prometheus.CounterValue, float64(info.Stats.KeyFramesReceived), lv...)
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue, float64(info.Stats.BytesReceived), lv...)
		ch <- prometheus.MustNewConstMetric(droppedDesc, prometheus.CounterValue, float64(info.Stats.DroppedFrames), lv...)
		ch <- prometheus.MustNewConstMetric(readersDesc, prometheus.GaugeValue, float64(info.ReaderCount), lv...)
	}
}
