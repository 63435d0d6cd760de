// Package prometheus provides Prometheus implementations of the event store
// and message bus metrics interfaces.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/esbus/core/metrics"
)

func newTimer(h prometheus.Observer) metrics.Timer {
	return metrics.NewFuncTimer(func(d time.Duration) { h.Observe(d.Seconds()) })
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// AllMetrics holds the Prometheus implementations for the event store and the bus.
type AllMetrics struct {
	ES  *esMetrics
	Bus *busMetrics
}

// NewAllMetrics registers both metric sets on reg.
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		ES:  newESMetrics(reg),
		Bus: newBusMetrics(reg),
	}
}
