package bus

import (
	"context"
	"time"
)

// ProvisionResult is the outcome of one idempotent provisioning step.
// Existing or missing objects are results, not errors.
type ProvisionResult int

const (
	Failed ProvisionResult = iota
	Created
	AlreadyPresent
	Removed
	AlreadyAbsent
)

func (r ProvisionResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyPresent:
		return "already_present"
	case Removed:
		return "removed"
	case AlreadyAbsent:
		return "already_absent"
	default:
		return "failed"
	}
}

type (
	// Transport moves messages through an external broker.
	Transport interface {
		// Publish sends msg under root, routed by msg.RoutingKey. It returns
		// once the broker accepted the message.
		Publish(ctx context.Context, root string, msg *Message) error
		// Subscribe attaches a receiver to a provisioned subscription.
		Subscribe(ctx context.Context, root string, sub Subscription) (Receiver, error)
		Close() error
	}

	Receiver interface {
		// Next blocks until a message is available or ctx is done.
		Next(ctx context.Context) (Delivery, error)
		Close() error
	}

	// Delivery is a received message that stays locked on the broker until
	// it is settled with exactly one of Ack, Nak or DeadLetter.
	Delivery interface {
		Message() *Message
		// NumDelivered counts deliveries of this message including this one.
		NumDelivered() int
		Ack(ctx context.Context) error
		// Nak releases the message for redelivery after delay.
		Nak(ctx context.Context, delay time.Duration) error
		// DeadLetter moves the message to the subscription's dead-letter sink.
		DeadLetter(ctx context.Context, reason string) error
	}

	// Provisioner creates and removes broker-side topology. Every Ensure
	// tolerates a concurrent creator and every Remove a concurrent remover.
	Provisioner interface {
		EnsureRoot(ctx context.Context, root string) (ProvisionResult, error)
		EnsureSubscription(ctx context.Context, root string, sub Subscription) (ProvisionResult, error)
		EnsureBinding(ctx context.Context, root, sub string, b Binding) (ProvisionResult, error)
		RemoveBinding(ctx context.Context, root, sub string, b Binding) (ProvisionResult, error)
		RemoveSubscription(ctx context.Context, root, sub string) (ProvisionResult, error)
		// ListBindings fails with ErrNotFound for an unknown subscription.
		ListBindings(ctx context.Context, root, sub string) ([]Binding, error)
	}
)
