package bus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/codewandler/esbus/core/es"
)

// Handlers dispatches by event type to the handlers registered for it.
// Events without a handler are accepted and ignored.
type Handlers struct {
	mu     sync.RWMutex
	byType map[string][]es.Handler
}

func NewHandlers() *Handlers { return &Handlers{byType: map[string][]es.Handler{}} }

func (h *Handlers) Add(eventType string, handler es.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byType[eventType] = append(h.byType[eventType], handler)
}

// On registers fn for event type T and returns h for chaining.
func On[T any, PT es.EventPtr[T]](h *Handlers, fn func(c es.MsgCtx, e PT) error) *Handlers {
	name := es.TypeOf[T, PT]()
	h.Add(name, es.HandleFunc(func(c es.MsgCtx) error {
		e, ok := c.Event().(PT)
		if !ok {
			return fmt.Errorf("%w: %s decoded as %T", es.ErrInvalidArgument, name, c.Event())
		}
		return fn(c, e)
	}))
	return h
}

// Handle runs the handlers of c's type in registration order and stops at
// the first error.
func (h *Handlers) Handle(c es.MsgCtx) error {
	h.mu.RLock()
	hs := h.byType[c.Type()]
	h.mu.RUnlock()
	for _, handler := range hs {
		if err := handler.Handle(c); err != nil {
			return err
		}
	}
	return nil
}

// Types lists the handled event types, sorted.
func (h *Handlers) Types() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byType))
	for t := range h.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Bindings returns one binding per handled event type, for declaring a
// subscription that receives exactly what h handles.
func (h *Handlers) Bindings() []Binding {
	types := h.Types()
	out := make([]Binding, len(types))
	for i, t := range types {
		out[i] = Binding{EventType: t}
	}
	return out
}

var _ es.Handler = (*Handlers)(nil)
