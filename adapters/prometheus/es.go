package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/esbus/core/es"
	"github.com/codewandler/esbus/core/metrics"
)

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Store metrics
	storeAppendDuration *prometheus.HistogramVec
	eventsAppended      *prometheus.CounterVec

	// Repository metrics
	repoLoadDuration     *prometheus.HistogramVec
	repoSaveDuration     *prometheus.HistogramVec
	concurrencyConflicts *prometheus.CounterVec
	publishFailures      *prometheus.CounterVec

	// Projector metrics
	projectorEventDuration *prometheus.HistogramVec
	projectorEvents        *prometheus.CounterVec
	projectorPosition      *prometheus.GaugeVec
}

// NewESMetrics creates a new Prometheus implementation of ESMetrics.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	return newESMetrics(reg)
}

func newESMetrics(reg prometheus.Registerer) *esMetrics {
	m := &esMetrics{
		storeAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esbus_es_store_append_duration_seconds",
			Help:    "Event store append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esbus_es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		repoLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esbus_es_repo_load_duration_seconds",
			Help:    "Repository load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		repoSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esbus_es_repo_save_duration_seconds",
			Help:    "Repository save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esbus_es_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		}, []string{"aggregate_type"}),

		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esbus_es_publish_failures_total",
			Help: "Committed events that could not be published",
		}, []string{"event_type"}),

		projectorEventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esbus_es_projector_event_duration_seconds",
			Help:    "Projector event processing time in seconds",
			Buckets: defaultBuckets,
		}, []string{"projector", "event_type"}),

		projectorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esbus_es_projector_events_total",
			Help: "Total number of events processed by projectors",
		}, []string{"projector", "event_type", "success"}),

		projectorPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "esbus_es_projector_position",
			Help: "Global sequence of the last event a projector processed",
		}, []string{"projector"}),
	}

	reg.MustRegister(
		m.storeAppendDuration,
		m.eventsAppended,
		m.repoLoadDuration,
		m.repoSaveDuration,
		m.concurrencyConflicts,
		m.publishFailures,
		m.projectorEventDuration,
		m.projectorEvents,
		m.projectorPosition,
	)

	return m
}

func (m *esMetrics) StoreAppendDuration(aggType string) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) RepoSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.repoSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) PublishFailed(eventType string) {
	m.publishFailures.WithLabelValues(eventType).Inc()
}

func (m *esMetrics) ProjectorEventDuration(projector, eventType string) metrics.Timer {
	return newTimer(m.projectorEventDuration.WithLabelValues(projector, eventType))
}

func (m *esMetrics) ProjectorEventProcessed(projector, eventType string, success bool) {
	m.projectorEvents.WithLabelValues(projector, eventType, strconv.FormatBool(success)).Inc()
}

func (m *esMetrics) ProjectorPosition(projector string, seq uint64) {
	m.projectorPosition.WithLabelValues(projector).Set(float64(seq))
}

var _ es.ESMetrics = (*esMetrics)(nil)
