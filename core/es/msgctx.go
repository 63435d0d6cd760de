package es

import (
	"context"
	"log/slog"
	"time"
)

// MsgCtx is what a Handler sees for one event: the decoded payload, its
// envelope and, when it arrived over a transport, the message headers and
// delivery attempt.
type MsgCtx struct {
	ctx          context.Context
	log          *slog.Logger
	env          Envelope
	evt          Event
	headers      map[string]string
	numDelivered int
}

func NewMsgCtx(ctx context.Context, log *slog.Logger, env Envelope, evt Event) MsgCtx {
	if log == nil {
		log = slog.Default()
	}
	return MsgCtx{
		ctx:          ctx,
		log:          log.With(env.LogAttr()),
		env:          env,
		evt:          evt,
		numDelivered: 1,
	}
}

func (c MsgCtx) WithContext(ctx context.Context) MsgCtx { c.ctx = ctx; return c }
func (c MsgCtx) WithHeaders(h map[string]string) MsgCtx { c.headers = h; return c }
func (c MsgCtx) WithNumDelivered(n int) MsgCtx          { c.numDelivered = n; return c }

func (c MsgCtx) Context() context.Context { return c.ctx }
func (c MsgCtx) Log() *slog.Logger        { return c.log }
func (c MsgCtx) Event() Event             { return c.evt }
func (c MsgCtx) Envelope() Envelope       { return c.env }

func (c MsgCtx) ID() string             { return c.env.ID }
func (c MsgCtx) Seq() uint64            { return c.env.Seq }
func (c MsgCtx) Version() Version       { return c.env.Version }
func (c MsgCtx) StreamID() string       { return c.env.StreamID }
func (c MsgCtx) AggregateType() string  { return c.env.AggregateType }
func (c MsgCtx) Type() string           { return c.env.Type }
func (c MsgCtx) CorrelationID() string  { return c.env.CorrelationID }
func (c MsgCtx) CausationID() string    { return c.env.CausationID }
func (c MsgCtx) Actor() string          { return c.env.Actor }
func (c MsgCtx) OccurredAt() time.Time  { return c.env.OccurredAt }
func (c MsgCtx) NumDelivered() int      { return c.numDelivered }
func (c MsgCtx) Header(k string) string { return c.headers[k] }

// Headers returns a copy of the transport headers.
func (c MsgCtx) Headers() map[string]string {
	out := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		out[k] = v
	}
	return out
}

// Caused returns a context for writing follow-up events caused by this one.
func (c MsgCtx) Caused() context.Context { return CausedBy(c.ctx, c.env) }
