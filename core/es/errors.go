package es

import "errors"

var (
	// ErrInvalidArgument is returned when a required input is absent or malformed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConcurrencyConflict is returned when the expected version of a stream
	// does not match the stored one. Callers reload and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrUnknownEventType is returned when a type name has no registered constructor.
	ErrUnknownEventType = errors.New("unknown event type")
	ErrNoEvents         = errors.New("no events to append")
)
