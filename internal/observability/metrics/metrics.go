// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "turn_transcription"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Stream metrics
	StreamsTotal   prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamsSuccess prometheus.Counter
	StreamsFailed  prometheus.Counter
	StreamDuration prometheus.Histogram

	// Audio metrics
	AudioFramesReceived  prometheus.Counter
	AudioSecondsReceived prometheus.Counter
	FramesRejected       *prometheus.CounterVec
	BufferOverflowed     prometheus.Counter
	WindowsClassified    prometheus.Counter
	ClassifierErrors     prometheus.Counter

	// Turn metrics
	TurnsStarted         prometheus.Counter
	UtterancesFinalized  prometheus.Counter
	UtterancesDiscarded  *prometheus.CounterVec
	UtteranceDuration    prometheus.Histogram
	TranscriptFragments  prometheus.Counter

	// Dispatch metrics
	QueueDepth       prometheus.Gauge
	JobsSubmitted    prometheus.Counter
	JobsRejected     prometheus.Counter
	JobsCancelled    prometheus.Counter
	JobResults       *prometheus.CounterVec
	JobWaitLatency   prometheus.Histogram
	EngineLatency    *prometheus.HistogramVec

	// Subscriber metrics
	SubscribersActive prometheus.Gauge
	EventsDropped     *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions opened",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock lifetime of sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		// Stream metrics
		StreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of ingest streams started",
		}),
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active ingest streams",
		}),
		StreamsSuccess: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_success_total",
			Help:      "Total number of successfully completed streams",
		}),
		StreamsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of failed streams",
		}),
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of ingest streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		// Audio metrics
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames accepted",
		}),
		AudioSecondsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_seconds_received_total",
			Help:      "Total seconds of audio accepted",
		}),
		FramesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Total audio frames rejected",
		}, []string{"reason"}),
		BufferOverflowed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_overflow_samples_total",
			Help:      "Total samples dropped because a session buffer hit its cap",
		}),
		WindowsClassified: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_classified_total",
			Help:      "Total analysis windows scored by the speech classifier",
		}),
		ClassifierErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_errors_total",
			Help:      "Total classifier failures treated as non-speech",
		}),

		// Turn metrics
		TurnsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_started_total",
			Help:      "Total number of talk runs started",
		}),
		UtterancesFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_finalized_total",
			Help:      "Total number of utterances handed to the dispatcher",
		}),
		UtterancesDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_discarded_total",
			Help:      "Total number of talk runs discarded",
		}, []string{"reason"}),
		UtteranceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Duration of finalized utterances including padding",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		TranscriptFragments: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_fragments_total",
			Help:      "Total fragments appended to session transcripts",
		}),

		// Dispatch metrics
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Jobs waiting for a transcription worker",
		}),
		JobsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_jobs_submitted_total",
			Help:      "Total transcription jobs accepted",
		}),
		JobsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_backpressure_total",
			Help:      "Total jobs rejected because the queue was full",
		}),
		JobsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_jobs_cancelled_total",
			Help:      "Total queued jobs cancelled before running",
		}),
		JobResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_job_results_total",
			Help:      "Total finished transcription jobs by outcome",
		}, []string{"provider", "outcome"}),
		JobWaitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_wait_seconds",
			Help:      "Time jobs spent queued before a worker picked them up",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		EngineLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Speech-to-text engine latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),

		// Subscriber metrics
		SubscribersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers_active",
			Help:      "Number of attached transcript subscribers",
		}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_events_dropped_total",
			Help:      "Total events not delivered to a slow subscriber",
		}, []string{"event_type"}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordSessionOpened records a new session.
func (m *Metrics) RecordSessionOpened() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionClosed records a session reaching Closed.
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordStreamStart records a new stream starting.
func (m *Metrics) RecordStreamStart() {
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
}

// RecordStreamEnd records a stream ending.
func (m *Metrics) RecordStreamEnd(success bool, durationSeconds float64) {
	m.StreamsActive.Dec()
	m.StreamDuration.Observe(durationSeconds)
	if success {
		m.StreamsSuccess.Inc()
	} else {
		m.StreamsFailed.Inc()
	}
}

// RecordFrame records an accepted audio frame.
func (m *Metrics) RecordFrame(samples, sampleRate int) {
	m.AudioFramesReceived.Inc()
	if sampleRate > 0 {
		m.AudioSecondsReceived.Add(float64(samples) / float64(sampleRate))
	}
}

// RecordFrameRejected records a rejected audio frame.
func (m *Metrics) RecordFrameRejected(reason string) {
	m.FramesRejected.WithLabelValues(reason).Inc()
}

// RecordBufferOverflow records samples dropped at the buffer cap.
func (m *Metrics) RecordBufferOverflow(samples int) {
	m.BufferOverflowed.Add(float64(samples))
}

// RecordWindow records a classified analysis window.
func (m *Metrics) RecordWindow() {
	m.WindowsClassified.Inc()
}

// RecordClassifierError records a classifier failure.
func (m *Metrics) RecordClassifierError() {
	m.ClassifierErrors.Inc()
}

// RecordTurnStarted records a talk run beginning.
func (m *Metrics) RecordTurnStarted() {
	m.TurnsStarted.Inc()
}

// RecordUtterance records a finalized utterance.
func (m *Metrics) RecordUtterance(durationSeconds float64) {
	m.UtterancesFinalized.Inc()
	m.UtteranceDuration.Observe(durationSeconds)
}

// RecordUtteranceDiscarded records a talk run that produced no utterance.
func (m *Metrics) RecordUtteranceDiscarded(reason string) {
	m.UtterancesDiscarded.WithLabelValues(reason).Inc()
}

// RecordTranscriptFragment records a fragment appended to a transcript.
func (m *Metrics) RecordTranscriptFragment() {
	m.TranscriptFragments.Inc()
}

// SetQueueDepth records the current dispatcher backlog.
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordJobSubmitted records an accepted job.
func (m *Metrics) RecordJobSubmitted() {
	m.JobsSubmitted.Inc()
}

// RecordBackpressure records a job rejected by a full queue.
func (m *Metrics) RecordBackpressure() {
	m.JobsRejected.Inc()
}

// RecordJobCancelled records a queued job dropped before running.
func (m *Metrics) RecordJobCancelled() {
	m.JobsCancelled.Inc()
}

// RecordJobResult records a finished job.
func (m *Metrics) RecordJobResult(provider, outcome string, waitSeconds, runSeconds float64) {
	m.JobResults.WithLabelValues(provider, outcome).Inc()
	m.JobWaitLatency.Observe(waitSeconds)
	m.EngineLatency.WithLabelValues(provider).Observe(runSeconds)
}

// RecordEventDropped records an event a subscriber missed.
func (m *Metrics) RecordEventDropped(eventType string) {
	m.EventsDropped.WithLabelValues(eventType).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
