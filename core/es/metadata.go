package es

import (
	"context"

	"github.com/google/uuid"
)

// Metadata travels with every event written in a context: who caused it and
// which conversation it belongs to.
type Metadata struct {
	CorrelationID string
	CausationID   string
	Actor         string
}

type metadataKey struct{}

func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

func MetadataFrom(ctx context.Context) Metadata {
	md, _ := ctx.Value(metadataKey{}).(Metadata)
	return md
}

// WithActor sets the acting user for events written with ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	md := MetadataFrom(ctx)
	md.Actor = actor
	return WithMetadata(ctx, md)
}

// CausedBy returns a context whose events continue the conversation of env:
// same correlation id, caused by env.
func CausedBy(ctx context.Context, env Envelope) context.Context {
	md := MetadataFrom(ctx)
	md.CorrelationID = env.CorrelationID
	md.CausationID = env.ID
	if md.Actor == "" {
		md.Actor = env.Actor
	}
	return WithMetadata(ctx, md)
}

// complete starts a new conversation when none is set. The first event of a
// conversation is caused by the conversation itself.
func (m Metadata) complete() Metadata {
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	if m.CausationID == "" {
		m.CausationID = m.CorrelationID
	}
	return m
}
