package es

import (
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// IDGenerator generates unique ids for event envelopes.
type IDGenerator func() string

// DefaultIDGenerator returns the default ID generator using nanoid.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

type (
	valueOption[T any]   struct{ v T }
	LogOption            valueOption[*slog.Logger]
	ESMetricsOption      valueOption[ESMetrics]
	PublisherOption      valueOption[Publisher]
	PublishFailureOption valueOption[PublishFailureFunc]
	IDGeneratorOption    valueOption[IDGenerator]
	ClockOption          valueOption[func() time.Time]
)

func WithLog(l *slog.Logger) LogOption                { return LogOption{v: l} }
func WithMetrics(m ESMetrics) ESMetricsOption         { return ESMetricsOption{v: m} }
func WithPublisher(p Publisher) PublisherOption       { return PublisherOption{v: p} }
func WithIDGenerator(g IDGenerator) IDGeneratorOption { return IDGeneratorOption{v: g} }
func WithClock(now func() time.Time) ClockOption      { return ClockOption{v: now} }

// WithPublishFailureHandler registers fn for envelopes that were committed
// but not published.
func WithPublishFailureHandler(fn PublishFailureFunc) PublishFailureOption {
	return PublishFailureOption{v: fn}
}
