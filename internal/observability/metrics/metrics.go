// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay_monitor"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Poll cycle metrics
	PollsTotal       *prometheus.CounterVec
	PollDuration     prometheus.Histogram
	MonitoringActive prometheus.Gauge

	// Relay fetch metrics
	FetchTotal    *prometheus.CounterVec
	FetchLatency  *prometheus.HistogramVec
	EventsFetched *prometheus.CounterVec

	// Ingestion metrics
	EventsDuplicate   prometheus.Counter
	SegmentsAccepted  prometheus.Counter
	SegmentsDuplicate *prometheus.CounterVec
	SegmentsSkipped   *prometheus.CounterVec
	OutputSegments    prometheus.Gauge

	// Dedup state metrics
	DedupEventIDs      prometheus.Gauge
	DedupSegmentKeys   prometheus.Gauge
	StatePersistErrors prometheus.Counter

	// Backoff metrics
	RateLimitedTotal prometheus.Counter
	BackoffDelay     prometheus.Gauge

	// Activity metrics
	ActivityActive      prometheus.Gauge
	ActivityTransitions *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// gRPC metrics
	GRPCCallsTotal   *prometheus.CounterVec
	GRPCCallDuration *prometheus.HistogramVec

	// Feed metrics
	FeedClients prometheus.Gauge
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Poll cycle metrics
		PollsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of poll cycles by result",
		}, []string{"result"}),
		PollDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of poll cycles in seconds, including backoff wait",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		MonitoringActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitoring_active",
			Help:      "1 while the polling engine is running",
		}),

		// Relay fetch metrics
		FetchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_fetch_total",
			Help:      "Total number of relay fetches by stream and status",
		}, []string{"stream", "status"}),
		FetchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_fetch_latency_seconds",
			Help:      "Relay fetch latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"stream"}),
		EventsFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_fetched_total",
			Help:      "Total number of relay events fetched",
		}, []string{"stream"}),

		// Ingestion metrics
		EventsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Total number of fetched events already ingested",
		}),
		SegmentsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_accepted_total",
			Help:      "Total number of segments merged into the output collection",
		}),
		SegmentsDuplicate: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_duplicate_total",
			Help:      "Total number of extracted segments dropped as duplicates",
		}, []string{"reason"}),
		SegmentsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_skipped_total",
			Help:      "Total number of segment entries or events skipped during extraction",
		}, []string{"reason"}),
		OutputSegments: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_segments",
			Help:      "Number of segments in the output collection",
		}),

		// Dedup state metrics
		DedupEventIDs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_event_ids",
			Help:      "Number of event ids in the dedup store",
		}),
		DedupSegmentKeys: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_segment_keys",
			Help:      "Number of segment keys in the dedup store",
		}),
		StatePersistErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_persist_errors_total",
			Help:      "Total number of failures loading or saving dedup state",
		}),

		// Backoff metrics
		RateLimitedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of rate-limited transcript fetches",
		}),
		BackoffDelay: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_delay_seconds",
			Help:      "Current pre-poll backoff delay in seconds",
		}),

		// Activity metrics
		ActivityActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "activity_active",
			Help:      "1 while a recording is detected as in progress",
		}),
		ActivityTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_transitions_total",
			Help:      "Total number of activity tracker transitions",
		}, []string{"kind"}),

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

		// gRPC metrics
		GRPCCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "Total number of gRPC calls served",
		}, []string{"method", "code"}),
		GRPCCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_call_duration_seconds",
			Help:      "Duration of gRPC calls in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 10, 60, 300},
		}, []string{"method"}),

		// Feed metrics
		FeedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients",
			Help:      "Number of connected WebSocket feed clients",
		}),
	}
}

// RecordPoll records a completed poll cycle.
func (m *Metrics) RecordPoll(result string, durationSeconds float64) {
	m.PollsTotal.WithLabelValues(result).Inc()
	m.PollDuration.Observe(durationSeconds)
}

// RecordMonitoring records the engine running state.
func (m *Metrics) RecordMonitoring(running bool) {
	m.MonitoringActive.Set(boolGauge(running))
}

// RecordFetch records a relay fetch attempt.
func (m *Metrics) RecordFetch(stream, status string, events int, latencySeconds float64) {
	m.FetchTotal.WithLabelValues(stream, status).Inc()
	m.FetchLatency.WithLabelValues(stream).Observe(latencySeconds)
	if events > 0 {
		m.EventsFetched.WithLabelValues(stream).Add(float64(events))
	}
}

// RecordDuplicateEvent records an event skipped by event-id dedup.
func (m *Metrics) RecordDuplicateEvent() {
	m.EventsDuplicate.Inc()
}

// RecordSegmentsAccepted records segments merged into the output collection.
func (m *Metrics) RecordSegmentsAccepted(n, total int) {
	m.SegmentsAccepted.Add(float64(n))
	m.OutputSegments.Set(float64(total))
}

// RecordDuplicateSegment records a segment dropped as a duplicate.
func (m *Metrics) RecordDuplicateSegment(reason string) {
	m.SegmentsDuplicate.WithLabelValues(reason).Inc()
}

// RecordSkipped records skipped extraction input.
func (m *Metrics) RecordSkipped(reason string, n int) {
	if n > 0 {
		m.SegmentsSkipped.WithLabelValues(reason).Add(float64(n))
	}
}

// RecordDedupSize records the dedup store sizes.
func (m *Metrics) RecordDedupSize(events, segments int) {
	m.DedupEventIDs.Set(float64(events))
	m.DedupSegmentKeys.Set(float64(segments))
}

// RecordPersistError records a dedup state load/save failure.
func (m *Metrics) RecordPersistError() {
	m.StatePersistErrors.Inc()
}

// RecordBackoff records the current backoff delay, counting escalations.
func (m *Metrics) RecordBackoff(delaySeconds float64, rateLimited bool) {
	m.BackoffDelay.Set(delaySeconds)
	if rateLimited {
		m.RateLimitedTotal.Inc()
	}
}

// RecordActivity records an activity tracker transition.
func (m *Metrics) RecordActivity(kind string, active bool) {
	m.ActivityTransitions.WithLabelValues(kind).Inc()
	m.ActivityActive.Set(boolGauge(active))
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordGRPCCall records a served gRPC call.
func (m *Metrics) RecordGRPCCall(method, code string, durationSeconds float64) {
	m.GRPCCallsTotal.WithLabelValues(method, code).Inc()
	m.GRPCCallDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordFeedClients records the number of connected feed clients.
func (m *Metrics) RecordFeedClients(n int) {
	m.FeedClients.Set(float64(n))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
