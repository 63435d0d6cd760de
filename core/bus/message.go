package bus

import (
	"maps"
	"time"
)

// Header names set on every message. Trace context headers (traceparent,
// tracestate, baggage) travel next to them.
const (
	HeaderCorrelationID    = "CorrelationId"
	HeaderCausationID      = "CausationId"
	HeaderUserID           = "UserId"
	HeaderTimestamp        = "Timestamp"
	HeaderEventType        = "EventType"
	HeaderEventID          = "EventId"
	HeaderStreamID         = "StreamId"
	HeaderVersion          = "Version"
	HeaderGlobalSeq        = "GlobalSeq"
	HeaderAggregateType    = "AggregateType"
	HeaderContentType      = "Content-Type"
	HeaderDeadLetterReason = "DeadLetterReason"
	HeaderRoutingKey       = "RoutingKey"
)

// Message is one event in flight. RoutingKey is the event type name.
type Message struct {
	ID         string
	RoutingKey string
	Headers    map[string]string
	Body       []byte
}

func (m *Message) Header(key string) string {
	if m == nil {
		return ""
	}
	return m.Headers[key]
}

func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	m.Headers[key] = value
}

// Timestamp returns when the event occurred, as carried in the headers.
func (m *Message) Timestamp() (time.Time, bool) {
	ts, err := time.Parse(time.RFC3339Nano, m.Header(HeaderTimestamp))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (m *Message) Clone() *Message {
	c := *m
	c.Headers = maps.Clone(m.Headers)
	c.Body = append([]byte(nil), m.Body...)
	return &c
}
