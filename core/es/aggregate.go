package es

import (
	"fmt"
)

// Aggregate is an event-sourced domain object. Its state is derived only by
// applying events, either replayed from its stream or freshly raised.
//
// Version is the committed stream version: the version of the last event that
// was loaded or saved. Raising events does not move it; Save does.
type Aggregate interface {
	GetAggType() string
	GetID() string
	SetID(string)

	GetVersion() Version
	setVersion(Version)
	GetSeq() uint64
	setSeq(uint64)

	// Register adds the aggregate's event types to r.
	Register(r Registrar)
	Apply(event Event) error
	Raise(event Event)
	Uncommitted() []Event
	ClearUncommitted()
}

// BaseAggregate is an embeddable helper that tracks identity, versions,
// uncommitted events and the per-type apply functions installed with On.
type BaseAggregate struct {
	id          string
	version     Version
	seq         uint64
	uncommitted []Event

	appliers map[string]func(Event) error
	ctors    map[string]func() Event
}

// On installs fn as the apply function for event type PT. Aggregates call it
// from their constructor, once per event type they understand.
func On[T any, PT EventPtr[T]](b *BaseAggregate, fn func(PT) error) {
	if b.appliers == nil {
		b.appliers = map[string]func(Event) error{}
		b.ctors = map[string]func() Event{}
	}
	name := TypeOf[T, PT]()
	b.ctors[name] = func() Event { return PT(new(T)) }
	b.appliers[name] = func(ev Event) error {
		e, ok := ev.(PT)
		if !ok {
			return fmt.Errorf("%w: %s applied as %T", ErrInvalidArgument, name, ev)
		}
		return fn(e)
	}
}

func (b *BaseAggregate) Apply(ev Event) error {
	if ev == nil {
		return fmt.Errorf("%w: event is nil", ErrInvalidArgument)
	}
	fn, ok := b.appliers[ev.EventType()]
	if !ok {
		return fmt.Errorf("%w: no apply func for %s", ErrUnknownEventType, ev.EventType())
	}
	return fn(ev)
}

func (b *BaseAggregate) Register(r Registrar) {
	for name, ctor := range b.ctors {
		r.Register(name, ctor)
	}
}

func (b *BaseAggregate) GetID() string        { return b.id }
func (b *BaseAggregate) SetID(id string)      { b.id = id }
func (b *BaseAggregate) GetVersion() Version  { return b.version }
func (b *BaseAggregate) setVersion(v Version) { b.version = v }
func (b *BaseAggregate) GetSeq() uint64       { return b.seq }
func (b *BaseAggregate) setSeq(s uint64)      { b.seq = s }

func (b *BaseAggregate) Raise(ev Event)    { b.uncommitted = append(b.uncommitted, ev) }
func (b *BaseAggregate) ClearUncommitted() { b.uncommitted = nil }
func (b *BaseAggregate) Uncommitted() []Event {
	out := make([]Event, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

// === Helpers ===

type raiseApplier interface {
	Raise(event Event)
	Apply(event Event) error
}

// RaiseAndApply validates events, then applies each and records it as
// uncommitted. Nothing is recorded when validation fails, and an event the
// aggregate fails to apply is never recorded.
func RaiseAndApply(a raiseApplier, events ...Event) (err error) {
	for _, e := range events {
		if ev, ok := e.(interface{ Validate() error }); ok {
			if err = ev.Validate(); err != nil {
				return fmt.Errorf("invalid event %s: %w", e.EventType(), err)
			}
		}
	}

	for _, e := range events {
		if err = a.Apply(e); err != nil {
			return
		}
		a.Raise(e)
	}
	return
}
