package es

import (
	"context"
	"fmt"
	"iter"
)

type (
	StoreAppendResult struct {
		// Version is the stream version after the append.
		Version Version
		// LastSeq is the global sequence of the last appended event.
		LastSeq uint64
		// Committed holds the appended envelopes with StreamID, Version and
		// Seq assigned, in commit order.
		Committed []Envelope
	}

	// EventStore is an append-only log of envelopes grouped by stream.
	//
	// Append is atomic per call: it either writes every event with versions
	// expected+1, expected+2, ... and fresh global sequence numbers, or fails
	// without any of them becoming visible. It fails with
	// ErrConcurrencyConflict when the stream is not at expected.
	//
	// ReadStream and ReadAll are lazy and finite: they end at the head observed
	// when iteration starts. Ranging over the returned sequence again re-reads.
	EventStore interface {
		Append(ctx context.Context, streamID string, expected Version, events []Envelope) (*StoreAppendResult, error)
		// ReadStream yields the stream in ascending version order. A missing
		// stream yields nothing.
		ReadStream(ctx context.Context, streamID string) iter.Seq2[Envelope, error]
		// ReadAll yields every envelope with Seq >= fromSeq in global order.
		ReadAll(ctx context.Context, fromSeq uint64) iter.Seq2[Envelope, error]
	}
)

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Envelope, error]) ([]Envelope, error) {
	var out []Envelope
	for env, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}

// PrepareAppend validates an append request and stamps copies of the envelopes
// with their stream and version. Stores call it before taking their write lock.
func PrepareAppend(streamID string, expected Version, events []Envelope) ([]Envelope, error) {
	if streamID == "" {
		return nil, fmt.Errorf("%w: stream id is empty", ErrInvalidArgument)
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	out := make([]Envelope, len(events))
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		e.StreamID = streamID
		e.Version = expected + Version(i+1)
		e.Seq = 0
		out[i] = e
	}
	return out, nil
}
