package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/esbus/core/bus"
	"github.com/codewandler/esbus/core/metrics"
)

// busMetrics implements bus.BusMetrics using Prometheus.
type busMetrics struct {
	connections *prometheus.CounterVec

	publishDuration *prometheus.HistogramVec
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec

	handleDuration *prometheus.HistogramVec
	consumed       *prometheus.CounterVec

	provisioned *prometheus.CounterVec
}

// NewBusMetrics creates a new Prometheus implementation of BusMetrics.
func NewBusMetrics(reg prometheus.Registerer) bus.BusMetrics {
	return newBusMetrics(reg)
}

func newBusMetrics(reg prometheus.Registerer) *busMetrics {
	m := &busMetrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esbus_bus_connections_total",
			Help: "Broker connections created and discarded by the pool",
		}, []string{"event"}),

		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esbus_bus_publish_duration_seconds",
			Help:    "Publish latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"root"}),

		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esbus_bus_published_total",
			Help: "Total number of messages published",
		}, []string{"root", "event_type"}),

		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esbus_bus_publish_failures_total",
			Help: "Total number of failed publishes",
		}, []string{"root", "event_type"}),

		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esbus_bus_handle_duration_seconds",
			Help:    "Handler latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"subscription", "event_type"}),

		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esbus_bus_consumed_total",
			Help: "Total number of settled deliveries by outcome",
		}, []string{"subscription", "event_type", "outcome"}),

		provisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esbus_bus_provisioned_total",
			Help: "Topology provisioning steps by kind and result",
		}, []string{"kind", "result"}),
	}

	reg.MustRegister(
		m.connections,
		m.publishDuration,
		m.published,
		m.publishFailures,
		m.handleDuration,
		m.consumed,
		m.provisioned,
	)

	return m
}

// The pool key is a broker URL and may carry credentials, so it is not a label.
func (m *busMetrics) ConnectionCreated(string)   { m.connections.WithLabelValues("created").Inc() }
func (m *busMetrics) ConnectionDiscarded(string) { m.connections.WithLabelValues("discarded").Inc() }

func (m *busMetrics) PublishDuration(root string) metrics.Timer {
	return newTimer(m.publishDuration.WithLabelValues(root))
}

func (m *busMetrics) Published(root, eventType string) {
	m.published.WithLabelValues(root, eventType).Inc()
}

func (m *busMetrics) PublishFailed(root, eventType string) {
	m.publishFailures.WithLabelValues(root, eventType).Inc()
}

func (m *busMetrics) HandleDuration(subscription, eventType string) metrics.Timer {
	return newTimer(m.handleDuration.WithLabelValues(subscription, eventType))
}

func (m *busMetrics) Consumed(subscription, eventType string, outcome bus.Outcome) {
	m.consumed.WithLabelValues(subscription, eventType, string(outcome)).Inc()
}

func (m *busMetrics) Provisioned(kind string, result bus.ProvisionResult) {
	m.provisioned.WithLabelValues(kind, result.String()).Inc()
}

var _ bus.BusMetrics = (*busMetrics)(nil)
