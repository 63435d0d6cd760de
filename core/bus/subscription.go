package bus

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/codewandler/esbus/core/es"
)

const (
	DefaultLockDuration     = 30 * time.Second
	DefaultMaxDeliveryCount = 10
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidName reports whether s can be used as a routing root, subscription
// name or routing key on every transport: NATS subject tokens, JetStream
// consumer names and Redis key segments.
func ValidName(s string) bool { return validName.MatchString(s) }

// Binding routes one event type to a subscription.
type Binding struct {
	EventType string `json:"event_type"`
}

func (b Binding) RoutingKey() string { return b.EventType }

// BindingFor returns the binding for event type T.
func BindingFor[T any, PT es.EventPtr[T]]() Binding { return Binding{EventType: es.TypeOf[T, PT]()} }

// Subscription is a named queue bound to a set of event types.
type Subscription struct {
	Name     string
	Bindings []Binding
	// TTL is how long a message stays deliverable after it occurred. 0 never expires.
	TTL time.Duration
	// LockDuration is how long a delivered message stays invisible to other
	// receivers before it is redelivered unless acked or nak'ed.
	LockDuration time.Duration
	// MaxDeliveryCount is the number of deliveries after which a failing
	// message is dead-lettered.
	MaxDeliveryCount   int
	DeadLetterOnExpiry bool
	// AutoDeleteOnIdle removes the subscription after it had no receiver for
	// this long. 0 keeps it forever.
	AutoDeleteOnIdle time.Duration
}

// WithDefaults fills unset lock duration and delivery count.
func (s Subscription) WithDefaults() Subscription {
	if s.LockDuration == 0 {
		s.LockDuration = DefaultLockDuration
	}
	if s.MaxDeliveryCount == 0 {
		s.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	return s
}

func (s Subscription) Validate() error {
	if !ValidName(s.Name) {
		return fmt.Errorf("%w: invalid subscription name %q", ErrInvalidConfig, s.Name)
	}
	if len(s.Bindings) == 0 {
		return fmt.Errorf("%w: subscription %s has no bindings", ErrInvalidConfig, s.Name)
	}
	seen := map[string]struct{}{}
	for _, b := range s.Bindings {
		if !ValidName(b.RoutingKey()) {
			return fmt.Errorf("%w: subscription %s: invalid routing key %q", ErrInvalidConfig, s.Name, b.RoutingKey())
		}
		if _, ok := seen[b.RoutingKey()]; ok {
			return fmt.Errorf("%w: subscription %s: duplicate binding %s", ErrInvalidConfig, s.Name, b.RoutingKey())
		}
		seen[b.RoutingKey()] = struct{}{}
	}
	if s.TTL < 0 || s.LockDuration < 0 || s.AutoDeleteOnIdle < 0 {
		return fmt.Errorf("%w: subscription %s: negative duration", ErrInvalidConfig, s.Name)
	}
	if s.MaxDeliveryCount < 0 {
		return fmt.Errorf("%w: subscription %s: negative max delivery count", ErrInvalidConfig, s.Name)
	}
	return nil
}

func (s Subscription) RoutingKeys() []string {
	out := make([]string, len(s.Bindings))
	for i, b := range s.Bindings {
		out[i] = b.RoutingKey()
	}
	return out
}

// Expired reports whether msg outlived the subscription's TTL at now.
// Messages without a readable timestamp never expire.
func (s Subscription) Expired(msg *Message, now time.Time) bool {
	if s.TTL <= 0 {
		return false
	}
	ts, ok := msg.Timestamp()
	return ok && now.After(ts.Add(s.TTL))
}

// Topology is the declarative broker layout for one routing root.
type Topology struct {
	Root          string
	Subscriptions []Subscription
}

func (t Topology) Validate() error {
	if !ValidName(t.Root) {
		return fmt.Errorf("%w: invalid routing root %q", ErrInvalidConfig, t.Root)
	}
	var errs []error
	names := map[string]struct{}{}
	for _, s := range t.Subscriptions {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := names[s.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: duplicate subscription %s", ErrInvalidConfig, s.Name))
		}
		names[s.Name] = struct{}{}
	}
	return errors.Join(errs...)
}
