package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/codewandler/esbus/core/es"
)

// Codec converts committed envelopes to transport messages and back.
type Codec struct {
	Registry *es.EventRegistry
	Log      *slog.Logger
}

func NewCodec(registry *es.EventRegistry) *Codec { return &Codec{Registry: registry} }

// Encode builds the message for env. The routing key is the event type.
func (c *Codec) Encode(env *es.Envelope) (*Message, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: envelope is nil", es.ErrInvalidArgument)
	}
	if !ValidName(env.Type) {
		return nil, fmt.Errorf("%w: event type %q is not a valid routing key", es.ErrInvalidArgument, env.Type)
	}

	h := map[string]string{
		HeaderEventID:   env.ID,
		HeaderEventType: env.Type,
		HeaderStreamID:  env.StreamID,
		HeaderVersion:   strconv.FormatUint(env.Version.Uint64(), 10),
		HeaderGlobalSeq: strconv.FormatUint(env.Seq, 10),
		HeaderTimestamp: env.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	setIf(h, HeaderCorrelationID, env.CorrelationID)
	setIf(h, HeaderCausationID, env.CausationID)
	setIf(h, HeaderUserID, env.Actor)
	setIf(h, HeaderAggregateType, env.AggregateType)
	if c.Registry != nil {
		h[HeaderContentType] = c.Registry.Codec().ContentType()
	}

	return &Message{
		ID:         env.ID,
		RoutingKey: env.Type,
		Headers:    h,
		Body:       append([]byte(nil), env.Data...),
	}, nil
}

func setIf(h map[string]string, k, v string) {
	if v != "" {
		h[k] = v
	}
}

// Envelope reconstructs the envelope carried by msg without decoding the
// payload. The type comes from the routing key, falling back to the
// EventType header.
func (c *Codec) Envelope(msg *Message) (es.Envelope, error) {
	if msg == nil {
		return es.Envelope{}, fmt.Errorf("%w: message is nil", es.ErrInvalidArgument)
	}

	env := es.Envelope{
		ID:            msg.ID,
		Type:          msg.RoutingKey,
		StreamID:      msg.Header(HeaderStreamID),
		AggregateType: msg.Header(HeaderAggregateType),
		CorrelationID: msg.Header(HeaderCorrelationID),
		CausationID:   msg.Header(HeaderCausationID),
		Actor:         msg.Header(HeaderUserID),
		Data:          msg.Body,
	}
	if env.ID == "" {
		env.ID = msg.Header(HeaderEventID)
	}
	if env.Type == "" {
		env.Type = msg.Header(HeaderEventType)
	}
	if ts, ok := msg.Timestamp(); ok {
		env.OccurredAt = ts
	} else if raw := msg.Header(HeaderTimestamp); raw != "" {
		return env, fmt.Errorf("%w: bad %s header %q", es.ErrInvalidArgument, HeaderTimestamp, raw)
	}

	var err error
	if env.Seq, err = parseUint(msg, HeaderGlobalSeq); err != nil {
		return env, err
	}
	v, err := parseUint(msg, HeaderVersion)
	if err != nil {
		return env, err
	}
	env.Version = es.Version(v)
	return env, nil
}

func parseUint(msg *Message, header string) (uint64, error) {
	raw := msg.Header(header)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s header %q", es.ErrInvalidArgument, header, raw)
	}
	return v, nil
}

// Decode resolves the event type against the registry and returns the typed
// context for handlers. Unknown types fail with es.ErrUnknownEventType.
func (c *Codec) Decode(ctx context.Context, msg *Message) (es.MsgCtx, error) {
	env, err := c.Envelope(msg)
	if err != nil {
		return es.MsgCtx{}, err
	}
	if c.Registry == nil || env.Type == "" || !c.Registry.Known(env.Type) {
		return es.MsgCtx{}, fmt.Errorf("%w: %q", es.ErrUnknownEventType, env.Type)
	}
	ev, err := c.Registry.Decode(env)
	if err != nil {
		return es.MsgCtx{}, err
	}
	return es.NewMsgCtx(ctx, c.Log, env, ev).WithHeaders(msg.Headers), nil
}
