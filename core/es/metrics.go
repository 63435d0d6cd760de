package es

import "github.com/codewandler/esbus/core/metrics"

// ESMetrics defines the metrics interface for stores, repositories and
// projectors. Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Store operations
	StoreAppendDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)

	// Repository operations
	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer
	ConcurrencyConflict(aggType string)
	PublishFailed(eventType string)

	// Projector
	ProjectorEventDuration(projector, eventType string) metrics.Timer
	ProjectorEventProcessed(projector, eventType string, success bool)
	ProjectorPosition(projector string, seq uint64)
}

type nopESMetrics struct{}

func (nopESMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)               {}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RepoSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConcurrencyConflict(string)            {}
func (nopESMetrics) PublishFailed(string)                  {}

func (nopESMetrics) ProjectorEventDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ProjectorEventProcessed(string, string, bool)        {}
func (nopESMetrics) ProjectorPosition(string, uint64)                    {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }
