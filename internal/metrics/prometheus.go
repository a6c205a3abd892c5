package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics of a pipeline run. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Decoder metrics
	DecoderBytesFed     prometheus.Counter
	DecoderRecordsFed   prometheus.Counter
	DecoderBytesDecoded prometheus.Counter

	// Chunk metrics
	ChunksEmitted  prometheus.Counter
	ChunkDuration  prometheus.Histogram
	ChunkSize      prometheus.Histogram
	ChunksInFlight prometheus.Gauge

	// Predictor metrics
	PredictorDuration *prometheus.HistogramVec
	PredictorErrors   *prometheus.CounterVec

	// Sink metrics
	SinkWrites prometheus.Counter
	SinkErrors prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Decoder metrics
		DecoderBytesFed: factory.NewCounter(prometheus.CounterOpts{
			Name: "adblockradio_decoder_bytes_fed_total",
			Help: "Total number of encoded bytes written to the decoder",
		}),
		DecoderRecordsFed: factory.NewCounter(prometheus.CounterOpts{
			Name: "adblockradio_decoder_records_fed_total",
			Help: "Total number of record files written to the decoder",
		}),
		DecoderBytesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "adblockradio_decoder_bytes_decoded_total",
			Help: "Total number of PCM bytes read from the decoder",
		}),

		// Chunk metrics
		ChunksEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "adblockradio_chunks_emitted_total",
			Help: "Total number of merged chunks written to the sink",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "adblockradio_chunk_duration_seconds",
			Help:    "Audio duration of emitted chunks",
			Buckets: prometheus.ExponentialBuckets(0.125, 2, 8), // 125ms to 16s
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "adblockradio_chunk_size_bytes",
			Help:    "PCM size of emitted chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		ChunksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "adblockradio_chunks_in_flight",
			Help: "Chunks dispatched to predictors and not yet merged",
		}),

		// Predictor metrics
		PredictorDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adblockradio_predictor_duration_seconds",
			Help:    "Time spent in a predictor per chunk",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"predictor"}),
		PredictorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adblockradio_predictor_errors_total",
			Help: "Total number of failed predictions",
		}, []string{"predictor"}),

		// Sink metrics
		SinkWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "adblockradio_sink_writes_total",
			Help: "Total number of objects written to the sink",
		}),
		SinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "adblockradio_sink_errors_total",
			Help: "Total number of failed sink writes",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adblockradio_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adblockradio_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adblockradio_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordDecoderFeed records encoded input handed to the decoder
func (m *Metrics) RecordDecoderFeed(bytes int64, records int) {
	if m == nil {
		return
	}
	m.DecoderBytesFed.Add(float64(bytes))
	m.DecoderRecordsFed.Add(float64(records))
}

// RecordDecoded records PCM read back from the decoder
func (m *Metrics) RecordDecoded(bytes int) {
	if m == nil {
		return
	}
	m.DecoderBytesDecoded.Add(float64(bytes))
}

// SetInFlight sets the number of chunks being predicted
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.ChunksInFlight.Set(float64(n))
}

// RecordChunkEmitted records a merged chunk written to the sink
func (m *Metrics) RecordChunkEmitted(durationSeconds float64, sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksEmitted.Inc()
	m.ChunkDuration.Observe(durationSeconds)
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordPrediction records one predictor call and whether it failed
func (m *Metrics) RecordPrediction(predictor string, durationSeconds float64, failed bool) {
	if m == nil {
		return
	}
	m.PredictorDuration.WithLabelValues(predictor).Observe(durationSeconds)
	if failed {
		m.PredictorErrors.WithLabelValues(predictor).Inc()
	}
}

// RecordSinkWrite records a sink write and whether it failed
func (m *Metrics) RecordSinkWrite(failed bool) {
	if m == nil {
		return
	}
	m.SinkWrites.Inc()
	if failed {
		m.SinkErrors.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
