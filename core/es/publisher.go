package es

import "context"

// Publisher hands committed envelopes to the outside world, typically the bus.
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}

type PublisherFunc func(ctx context.Context, env *Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env *Envelope) error { return f(ctx, env) }

// PublishFailureFunc is told about envelopes that were committed but could not
// be published, so an outbox relay can pick them up later.
type PublishFailureFunc func(ctx context.Context, env Envelope, err error)
