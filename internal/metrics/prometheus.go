package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the session gateway
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsFinished prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Audio relay metrics
	ChunksRelayed prometheus.Counter
	ChunkBytes    prometheus.Histogram
	SequenceGaps  prometheus.Counter
	DroppedChunks prometheus.Counter

	// ASR metrics
	TranscriptsEmitted prometheus.Counter
	ASRErrors          prometheus.Counter
	RateLimitHits      prometheus.Counter

	// Findings metrics
	FindingsPersisted prometheus.Counter
	FindingsThrottled prometheus.Counter

	// Fallback metrics
	FallbackUploads      prometheus.Counter
	FallbackUploadErrors prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "medscribe_active_sessions",
			Help: "Current number of active recording sessions",
		}),
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsFinished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_sessions_finished_total",
			Help: "Total number of sessions finalized",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "medscribe_session_duration_seconds",
			Help:    "Duration of recording sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~3 hours
		}),

		ChunksRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_audio_chunks_relayed_total",
			Help: "Total number of audio chunks relayed to the ASR provider",
		}),
		ChunkBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "medscribe_audio_chunk_bytes",
			Help:    "Size of relayed audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 8), // 1KB to ~128KB
		}),
		SequenceGaps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_audio_sequence_gaps_total",
			Help: "Total number of detected gaps in chunk sequence numbers",
		}),
		DroppedChunks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_audio_chunks_dropped_total",
			Help: "Total number of audio chunks dropped before relay",
		}),

		TranscriptsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_transcripts_emitted_total",
			Help: "Total number of transcript results sent to clients",
		}),
		ASRErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_asr_errors_total",
			Help: "Total number of errors from the ASR provider",
		}),
		RateLimitHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_asr_rate_limit_hits_total",
			Help: "Total number of rate limit responses from the ASR provider",
		}),

		FindingsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_findings_persisted_total",
			Help: "Total number of findings written to storage",
		}),
		FindingsThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_findings_throttled_total",
			Help: "Total number of findings dropped by the persistence throttle",
		}),

		FallbackUploads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_fallback_uploads_total",
			Help: "Total number of spooled WAV files uploaded",
		}),
		FallbackUploadErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_fallback_upload_errors_total",
			Help: "Total number of failed spooled WAV uploads",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "medscribe_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medscribe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordSessionStarted increments session counters and the active gauge
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionFinished decrements the active gauge and records duration
func (m *Metrics) RecordSessionFinished(durationSeconds float64) {
	m.SessionsFinished.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunkRelayed records one relayed audio chunk
func (m *Metrics) RecordChunkRelayed(sizeBytes int) {
	m.ChunksRelayed.Inc()
	m.ChunkBytes.Observe(float64(sizeBytes))
}

// RecordDroppedChunk increments the dropped chunk counter
func (m *Metrics) RecordDroppedChunk() {
	m.DroppedChunks.Inc()
}

// RecordSequenceGap increments the sequence gap counter
func (m *Metrics) RecordSequenceGap() {
	m.SequenceGaps.Inc()
}

// RecordTranscript increments the transcripts emitted counter
func (m *Metrics) RecordTranscript() {
	m.TranscriptsEmitted.Inc()
}

// RecordASRError increments the ASR error counter
func (m *Metrics) RecordASRError() {
	m.ASRErrors.Inc()
}

// RecordRateLimit increments the rate limit counter
func (m *Metrics) RecordRateLimit() {
	m.RateLimitHits.Inc()
}

// RecordFinding records whether a finding was persisted or throttled
func (m *Metrics) RecordFinding(persisted bool) {
	if persisted {
		m.FindingsPersisted.Inc()
	} else {
		m.FindingsThrottled.Inc()
	}
}

// RecordFallbackUpload records a spooled WAV upload attempt
func (m *Metrics) RecordFallbackUpload(ok bool) {
	if ok {
		m.FallbackUploads.Inc()
	} else {
		m.FallbackUploadErrors.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
