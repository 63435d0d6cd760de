package bus

import (
	"github.com/codewandler/esbus/core/metrics"
	"github.com/codewandler/esbus/core/pool"
)

// Outcome is how the consumer settled a delivery.
type Outcome string

const (
	OutcomeAck        Outcome = "ack"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeadLetter Outcome = "dead_letter"
	OutcomeExpired    Outcome = "expired"
)

// BusMetrics defines the metrics interface for publishers, consumers,
// provisioning and the transport connection pools.
type BusMetrics interface {
	pool.Metrics

	PublishDuration(root string) metrics.Timer
	Published(root, eventType string)
	PublishFailed(root, eventType string)

	HandleDuration(subscription, eventType string) metrics.Timer
	Consumed(subscription, eventType string, outcome Outcome)

	Provisioned(kind string, result ProvisionResult)
}

type nopBusMetrics struct{}

func (nopBusMetrics) ConnectionCreated(string)   {}
func (nopBusMetrics) ConnectionDiscarded(string) {}

func (nopBusMetrics) PublishDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopBusMetrics) Published(string, string)             {}
func (nopBusMetrics) PublishFailed(string, string)         {}

func (nopBusMetrics) HandleDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopBusMetrics) Consumed(string, string, Outcome)            {}

func (nopBusMetrics) Provisioned(string, ProvisionResult) {}

func NopBusMetrics() BusMetrics { return nopBusMetrics{} }
