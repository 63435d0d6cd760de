package es

import (
	"fmt"
	"log/slog"
	"time"
)

// Envelope wraps a serialized event with the metadata needed to store,
// route and correlate it. It is the unit of storage in the EventStore and
// the unit of transport on the bus.
type Envelope struct {
	ID string `json:"id"`
	// Seq is the global sequence number assigned by the store.
	Seq uint64 `json:"seq"`
	// Version is the position within the stream (1, 2, 3, ...).
	Version       Version   `json:"version"`
	StreamID      string    `json:"stream_id"`
	AggregateType string    `json:"aggregate_type,omitempty"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	Data          []byte    `json:"data,omitempty"`
}

// Validate checks the fields a writer must fill before appending. Seq,
// Version and StreamID are assigned by the store.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: envelope id is empty", ErrInvalidArgument)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: envelope type is empty", ErrInvalidArgument)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: envelope occurred at is zero", ErrInvalidArgument)
	}
	return nil
}

func (e Envelope) LogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("type", e.Type),
		slog.String("stream_id", e.StreamID),
		e.Version.SlogAttr(),
		slog.Uint64("seq", e.Seq),
	)
}

type Decoder interface {
	Decode(e Envelope) (Event, error)
}
