package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PredictionMetrics covers the prediction pipeline: classifier calls, gate
// outcomes, branch fan-out, entity resolution and feedback promotion.
type PredictionMetrics struct {
	registry *prometheus.Registry

	predictionsTotal       *prometheus.CounterVec
	classifierDuration     *prometheus.HistogramVec
	classifierErrorsTotal  *prometheus.CounterVec
	topConfidence          prometheus.Histogram
	branchesTotal          *prometheus.CounterVec
	resolverLookupsTotal   *prometheus.CounterVec
	resolverCacheEntries   *prometheus.GaugeVec
	feedbackTotal          *prometheus.CounterVec
	promotionsTotal        *prometheus.CounterVec
	notificationsDropped   *prometheus.CounterVec
	notificationSinkErrors *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewPredictionMetrics creates and registers new prediction metrics
func NewPredictionMetrics(registry *prometheus.Registry) (*PredictionMetrics, error) {
	m := &PredictionMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PredictionMetrics) initMetrics() {
	m.predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafwatch_predictions_total",
			Help: "Total number of prediction requests by outcome",
		},
		[]string{"outcome"}, // accepted, rejected, unavailable, invalid
	)

	m.classifierDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leafwatch_classifier_request_duration_seconds",
			Help:    "Latency of calls to the external image classifier",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12), // 10ms to ~20s
		},
		[]string{"endpoint"},
	)

	m.classifierErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafwatch_classifier_errors_total",
			Help: "Total number of failed classifier calls",
		},
		[]string{"endpoint", "reason"},
	)

	m.topConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leafwatch_prediction_top_confidence",
			Help:    "Distribution of top-1 confidence scores returned by the classifier",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	m.branchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafwatch_prediction_branches_total",
			Help: "Total number of ranked branches persisted by kind",
		},
		[]string{"kind"}, // plant, disease
	)

	m.resolverLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafwatch_resolver_lookups_total",
			Help: "Entity resolver lookups by kind and result",
		},
		[]string{"kind", "result"}, // hit, store, miss, error
	)

	m.resolverCacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leafwatch_resolver_cache_entries",
			Help: "Number of entries held in each entity resolver map",
		},
		[]string{"map"},
	)

	m.feedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafwatch_feedback_total",
			Help: "Total number of feedback submissions",
		},
		[]string{"correct"},
	)

	m.promotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafwatch_feedback_promotions_total",
			Help: "Curated image promotion attempts by result",
		},
		[]string{"kind", "result"}, // promoted, duplicate, unresolved, error
	)

	m.notificationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafwatch_notifications_dropped_total",
			Help: "Status events dropped because a subscriber was not keeping up",
		},
		[]string{"type"},
	)

	m.notificationSinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafwatch_notification_sink_errors_total",
			Help: "Failed deliveries to push and MQTT sinks",
		},
		[]string{"sink"},
	)

	m.collectors = []prometheus.Collector{
		m.predictionsTotal,
		m.classifierDuration,
		m.classifierErrorsTotal,
		m.topConfidence,
		m.branchesTotal,
		m.resolverLookupsTotal,
		m.resolverCacheEntries,
		m.feedbackTotal,
		m.promotionsTotal,
		m.notificationsDropped,
		m.notificationSinkErrors,
	}
}

// Describe implements the Collector interface
func (m *PredictionMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *PredictionMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

func (m *PredictionMetrics) RecordPrediction(outcome string) {
	m.predictionsTotal.WithLabelValues(outcome).Inc()
}

// RecordClassifierCall records latency in seconds and, for failures, the reason
func (m *PredictionMetrics) RecordClassifierCall(endpoint string, duration float64, reason string) {
	m.classifierDuration.WithLabelValues(endpoint).Observe(duration)
	if reason != "" {
		m.classifierErrorsTotal.WithLabelValues(endpoint, reason).Inc()
	}
}

func (m *PredictionMetrics) RecordTopConfidence(score float64) {
	m.topConfidence.Observe(score)
}

func (m *PredictionMetrics) RecordBranch(kind string) {
	m.branchesTotal.WithLabelValues(kind).Inc()
}

func (m *PredictionMetrics) RecordResolverLookup(kind, result string) {
	m.resolverLookupsTotal.WithLabelValues(kind, result).Inc()
}

func (m *PredictionMetrics) SetResolverCacheEntries(mapName string, n int) {
	m.resolverCacheEntries.WithLabelValues(mapName).Set(float64(n))
}

func (m *PredictionMetrics) RecordFeedback(correct bool) {
	label := "false"
	if correct {
		label = "true"
	}
	m.feedbackTotal.WithLabelValues(label).Inc()
}

func (m *PredictionMetrics) RecordPromotion(kind, result string) {
	m.promotionsTotal.WithLabelValues(kind, result).Inc()
}

func (m *PredictionMetrics) RecordNotificationDropped(eventType string) {
	m.notificationsDropped.WithLabelValues(eventType).Inc()
}

func (m *PredictionMetrics) RecordSinkError(sink string) {
	m.notificationSinkErrors.WithLabelValues(sink).Inc()
}
