package es

import (
	"fmt"
	"sync"

	"github.com/codewandler/esbus/internal/codec"
)

// Event is a domain fact. EventType is its stable name: the key under which it
// is stored, registered and routed on the bus.
type Event interface {
	EventType() string
}

// EventPtr constrains type parameters to pointers of event structs, which is
// what the registry constructs on decode.
type EventPtr[T any] interface {
	*T
	Event
}

// TypeOf returns the event type name of T without reflection.
func TypeOf[T any, PT EventPtr[T]]() string { return PT(new(T)).EventType() }

type Registrar interface {
	Register(eventType string, ctor func() Event)
}

// EventRegistry maps event type names to constructors so persisted and
// transported events can be decoded. It is assembled explicitly by the
// composition root.
type EventRegistry struct {
	codec codec.Codec

	mu    sync.RWMutex
	ctors map[string]func() Event
}

func NewRegistry() *EventRegistry { return NewRegistryWithCodec(codec.Default) }

func NewRegistryWithCodec(c codec.Codec) *EventRegistry {
	if c == nil {
		c = codec.Default
	}
	return &EventRegistry{codec: c, ctors: map[string]func() Event{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[eventType] = ctor
}

// Register adds *T to r under T's event type name.
func Register[T any, PT EventPtr[T]](r Registrar) {
	r.Register(TypeOf[T, PT](), func() Event { return PT(new(T)) })
}

func (r *EventRegistry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[eventType]
	return ok
}

// Types lists the registered type names.
func (r *EventRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		out = append(out, t)
	}
	return out
}

func (r *EventRegistry) Codec() codec.Codec { return r.codec }

// Encode serializes the event payload.
func (r *EventRegistry) Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: event is nil", ErrInvalidArgument)
	}
	return r.codec.Marshal(ev)
}

// Decode constructs the registered type for env.Type and fills it from env.Data.
func (r *EventRegistry) Decode(env Envelope) (Event, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}
	ev := ctor()
	if len(env.Data) > 0 {
		if err := r.codec.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	return ev, nil
}

var _ Decoder = (*EventRegistry)(nil)
