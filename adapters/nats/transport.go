package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esbus/core/bus"
	"github.com/codewandler/esbus/core/es"
	"github.com/codewandler/esbus/core/pool"
)

const (
	busSubjectBase = "esbus.bus"
	dlqSubjectBase = "esbus.dlq"

	// unboundToken keeps a subscription's filter non-empty while it has no
	// binding. It can never be a routing key.
	unboundToken = "~unbound"

	pollWait = time.Second
)

// Subject layout:
//
//	esbus.bus.<root>.<routing key>   messages, stream BUS_<root>
//	esbus.dlq.<root>.<subscription>  dead letters, stream DLQ_<root>
func rootStream(root string) string { return "BUS_" + root }
func dlqStream(root string) string  { return "DLQ_" + root }

func routeSubject(root, key string) string { return busSubjectBase + "." + root + "." + key }
func dlqSubject(root, sub string) string   { return dlqSubjectBase + "." + root + "." + sub }
func routingKeyOf(root, subj string) string {
	return strings.TrimPrefix(subj, busSubjectBase+"."+root+".")
}

type TransportConfig struct {
	Log  *slog.Logger
	Pool *pool.Pool[*Conn]
	URL  string
	// Replicas of the streams created by EnsureRoot.
	Replicas int
}

// Transport publishes to and receives from JetStream. Every routing root is
// one interest-retention stream; every subscription is a durable pull
// consumer filtered on its bindings. It also implements bus.Provisioner.
type Transport struct {
	log      *slog.Logger
	pool     *pool.Pool[*Conn]
	url      string
	replicas int
	closed   atomic.Bool
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.Pool == nil || cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats transport needs a pool and url", es.ErrInvalidArgument)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		log:      log.With(slog.String("transport", "nats")),
		pool:     cfg.Pool,
		url:      cfg.URL,
		replicas: max(cfg.Replicas, 1),
	}, nil
}

func natsDo[T any](ctx context.Context, t *Transport, fn func(*Conn) (T, error)) (v T, err error) {
	if t.closed.Load() {
		return v, bus.ErrTransportClosed
	}
	err = t.pool.Do(ctx, t.url, func(c *Conn) error {
		v, err = fn(c)
		return err
	})
	return v, err
}

// Close detaches the transport. The pooled connection stays open for other users.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *Transport) Publish(ctx context.Context, root string, msg *bus.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", es.ErrInvalidArgument)
	}
	if !bus.ValidName(root) || !bus.ValidName(msg.RoutingKey) {
		return fmt.Errorf("%w: invalid root %q or routing key %q", es.ErrInvalidArgument, root, msg.RoutingKey)
	}

	nm := natsgo.NewMsg(routeSubject(root, msg.RoutingKey))
	for k, v := range msg.Headers {
		nm.Header.Set(k, v)
	}
	nm.Data = msg.Body

	_, err := natsDo(ctx, t, func(c *Conn) (*jetstream.PubAck, error) {
		opts := []jetstream.PublishOpt{jetstream.WithExpectStream(rootStream(root))}
		if msg.ID != "" {
			opts = append(opts, jetstream.WithMsgID(msg.ID))
		}
		return c.JS.PublishMsg(ctx, nm, opts...)
	})
	if errors.Is(err, jetstream.ErrNoStreamResponse) || isStreamNotFound(err) {
		return fmt.Errorf("%w: routing root %s", bus.ErrNotFound, root)
	}
	return err
}

func (t *Transport) Subscribe(ctx context.Context, root string, sub bus.Subscription) (bus.Receiver, error) {
	cons, err := natsDo(ctx, t, func(c *Conn) (jetstream.Consumer, error) {
		return c.JS.Consumer(ctx, rootStream(root), sub.Name)
	})
	if isConsumerNotFound(err) {
		return nil, fmt.Errorf("%w: subscription %s/%s", bus.ErrNotFound, root, sub.Name)
	} else if err != nil {
		return nil, err
	}
	return &receiver{t: t, root: root, sub: sub.Name, cons: cons}, nil
}

func isStreamNotFound(err error) bool {
	var apiErr *jetstream.APIError
	return errors.Is(err, jetstream.ErrStreamNotFound) ||
		(errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamNotFound)
}

func isConsumerNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrConsumerNotFound) ||
		errors.Is(err, jetstream.ErrConsumerDeleted) ||
		isStreamNotFound(err)
}

type receiver struct {
	t         *Transport
	root, sub string
	cons      jetstream.Consumer
	closed    atomic.Bool
}

// Next polls the consumer until a message arrives, ctx ends or the
// subscription disappears.
func (r *receiver) Next(ctx context.Context) (bus.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.closed.Load() || r.t.closed.Load() {
			return nil, bus.ErrTransportClosed
		}

		wait := pollWait
		if dl, ok := ctx.Deadline(); ok {
			wait = min(wait, max(time.Until(dl), time.Millisecond))
		}
		msg, err := r.cons.Next(jetstream.FetchMaxWait(wait))
		switch {
		case err == nil:
			return r.delivery(msg)
		case errors.Is(err, natsgo.ErrTimeout), errors.Is(err, jetstream.ErrNoMessages):
			continue
		case isConsumerNotFound(err):
			return nil, fmt.Errorf("%w: subscription %s/%s", bus.ErrNotFound, r.root, r.sub)
		default:
			return nil, err
		}
	}
}

func (r *receiver) delivery(msg jetstream.Msg) (bus.Delivery, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	m := &bus.Message{
		ID:         msg.Headers().Get(natsgo.MsgIdHdr),
		RoutingKey: routingKeyOf(r.root, msg.Subject()),
		Headers:    map[string]string{},
		Body:       msg.Data(),
	}
	for k, vs := range msg.Headers() {
		if strings.HasPrefix(k, "Nats-") || len(vs) == 0 {
			continue
		}
		m.Headers[k] = vs[0]
	}
	return &delivery{r: r, msg: msg, m: m, n: int(md.NumDelivered)}, nil
}

func (r *receiver) Close() error {
	r.closed.Store(true)
	return nil
}

type delivery struct {
	r   *receiver
	msg jetstream.Msg
	m   *bus.Message
	n   int
}

func (d *delivery) Message() *bus.Message { return d.m }
func (d *delivery) NumDelivered() int     { return d.n }

func (d *delivery) Ack(ctx context.Context) error { return d.msg.DoubleAck(ctx) }

func (d *delivery) Nak(_ context.Context, delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

// DeadLetter copies the message to the dead-letter stream of the root and
// terminates it on the subscription.
func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	dm := natsgo.NewMsg(dlqSubject(d.r.root, d.r.sub))
	for k, v := range d.m.Headers {
		dm.Header.Set(k, v)
	}
	dm.Header.Set(bus.HeaderDeadLetterReason, reason)
	dm.Header.Set(bus.HeaderRoutingKey, d.m.RoutingKey)
	if d.m.ID != "" {
		dm.Header.Set(bus.HeaderEventID, d.m.ID)
	}
	dm.Data = d.m.Body

	_, err := natsDo(ctx, d.r.t, func(c *Conn) (*jetstream.PubAck, error) {
		return c.JS.PublishMsg(ctx, dm, jetstream.WithExpectStream(dlqStream(d.r.root)))
	})
	if err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return d.msg.TermWithReason(reason)
}

var (
	_ bus.Transport = (*Transport)(nil)
	_ bus.Receiver  = (*receiver)(nil)
	_ bus.Delivery  = (*delivery)(nil)
)
