package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/esbus/core/bus"
	"github.com/codewandler/esbus/core/es"
	"github.com/codewandler/esbus/core/pool"
	"github.com/codewandler/esbus/internal/codec"
)

const (
	group = "esbus"

	fieldID         = "id"
	fieldRoutingKey = "rk"
	fieldBody       = "body"
	fieldHeader     = "h:"

	pollBlock = time.Second
)

// Key layout, hash-tagged on the root so that one root lives in one slot:
//
//	esbus:{root}                     root marker
//	esbus:{root}:subs                hash of subscription name -> config
//	esbus:{root}:bind:<key>          set of subscriptions bound to a routing key
//	esbus:{root}:sub:<name>          message stream of a subscription
//	esbus:{root}:sub:<name>:bindings set of routing keys of a subscription
//	esbus:{root}:dlq:<name>          dead-letter stream of a subscription
type keys struct{ root string }

func (k keys) marker() string                { return "esbus:{" + k.root + "}" }
func (k keys) subs() string                  { return k.marker() + ":subs" }
func (k keys) bind(rk string) string         { return k.marker() + ":bind:" + rk }
func (k keys) stream(sub string) string      { return k.marker() + ":sub:" + sub }
func (k keys) subBindings(sub string) string { return k.stream(sub) + ":bindings" }
func (k keys) dlq(sub string) string         { return k.marker() + ":dlq:" + sub }
func (k keys) streamPrefix() string          { return k.marker() + ":sub:" }

// publishScript appends one entry to the stream of every subscription bound
// to the routing key, atomically with respect to binding changes.
var publishScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOROOT routing root does not exist')
end
local subs = redis.call('SMEMBERS', KEYS[2])
for _, s in ipairs(subs) do
  redis.call('XADD', ARGV[1] .. s, '*', unpack(ARGV, 2))
end
return #subs
`)

type TransportConfig struct {
	Log  *slog.Logger
	Pool *pool.Pool[*goredis.Client]
	URL  string
	// MaxLen trims subscription streams approximately. 0 keeps everything.
	MaxLen int64
}

// Transport implements bus.Transport and bus.Provisioner on Redis Streams.
//
// Locks are consumer group pending entries: a delivered entry that is neither
// acked nor dead-lettered is claimed again once it was idle for the
// subscription's lock duration. Nak shortens that idle time to the
// redelivery delay. AutoDeleteOnIdle is not supported.
type Transport struct {
	log    *slog.Logger
	pool   *pool.Pool[*goredis.Client]
	url    string
	maxLen int64
	closed atomic.Bool
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.Pool == nil || cfg.URL == "" {
		return nil, fmt.Errorf("%w: redis transport needs a pool and url", es.ErrInvalidArgument)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		log:    log.With(slog.String("transport", "redis")),
		pool:   cfg.Pool,
		url:    cfg.URL,
		maxLen: cfg.MaxLen,
	}, nil
}

func redisDo[T any](ctx context.Context, t *Transport, fn func(*goredis.Client) (T, error)) (v T, err error) {
	if t.closed.Load() {
		return v, bus.ErrTransportClosed
	}
	err = t.pool.Do(ctx, t.url, func(c *goredis.Client) error {
		v, err = fn(c)
		return err
	})
	return v, err
}

// Close detaches the transport. The pooled client stays open for other users.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}

func isRedisErr(err error, prefix string) bool {
	var rerr goredis.Error
	return errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), prefix)
}

func encodeFields(msg *bus.Message) []any {
	out := make([]any, 0, 6+2*len(msg.Headers))
	out = append(out, fieldID, msg.ID, fieldRoutingKey, msg.RoutingKey, fieldBody, msg.Body)
	for k, v := range msg.Headers {
		out = append(out, fieldHeader+k, v)
	}
	return out
}

func decodeFields(vals map[string]any) *bus.Message {
	msg := &bus.Message{Headers: map[string]string{}}
	for k, v := range vals {
		s := asString(v)
		switch {
		case k == fieldID:
			msg.ID = s
		case k == fieldRoutingKey:
			msg.RoutingKey = s
		case k == fieldBody:
			msg.Body = []byte(s)
		case strings.HasPrefix(k, fieldHeader):
			msg.Headers[strings.TrimPrefix(k, fieldHeader)] = s
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

func (t *Transport) Publish(ctx context.Context, root string, msg *bus.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", es.ErrInvalidArgument)
	}
	if !bus.ValidName(root) || !bus.ValidName(msg.RoutingKey) {
		return fmt.Errorf("%w: invalid root %q or routing key %q", es.ErrInvalidArgument, root, msg.RoutingKey)
	}
	k := keys{root}
	args := append([]any{k.streamPrefix()}, encodeFields(msg)...)

	_, err := redisDo(ctx, t, func(c *goredis.Client) (any, error) {
		return publishScript.Run(ctx, c, []string{k.marker(), k.bind(msg.RoutingKey)}, args...).Result()
	})
	if isRedisErr(err, "NOROOT") {
		return fmt.Errorf("%w: routing root %s", bus.ErrNotFound, root)
	}
	if err != nil || t.maxLen <= 0 {
		return err
	}

	// trimming is best effort
	_, _ = redisDo(ctx, t, func(c *goredis.Client) ([]goredis.Cmder, error) {
		subs, err := c.SMembers(ctx, k.bind(msg.RoutingKey)).Result()
		if err != nil {
			return nil, err
		}
		return c.Pipelined(ctx, func(p goredis.Pipeliner) error {
			for _, s := range subs {
				p.XTrimMaxLenApprox(ctx, k.stream(s), t.maxLen, 0)
			}
			return nil
		})
	})
	return nil
}

// Subscribe reads the subscription as provisioned. Locks are held for the
// provisioned lock duration, whatever sub carries.
func (t *Transport) Subscribe(ctx context.Context, root string, sub bus.Subscription) (bus.Receiver, error) {
	k := keys{root}
	raw, err := redisDo(ctx, t, func(c *goredis.Client) (string, error) {
		return c.HGet(ctx, k.subs(), sub.Name).Result()
	})
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: subscription %s/%s", bus.ErrNotFound, root, sub.Name)
	} else if err != nil {
		return nil, err
	}
	var rec subRecord
	if err := codec.Default.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode subscription %s/%s: %w", root, sub.Name, err)
	}

	sub = sub.WithDefaults()
	if rec.LockDuration > 0 {
		sub.LockDuration = time.Duration(rec.LockDuration) * time.Millisecond
	}
	return &receiver{
		t:        t,
		keys:     k,
		root:     root,
		sub:      sub,
		consumer: "c-" + gonanoid.Must(10),
	}, nil
}

type receiver struct {
	t        *Transport
	keys     keys
	root     string
	sub      bus.Subscription
	consumer string
	closed   atomic.Bool
}

func (r *receiver) stream() string { return r.keys.stream(r.sub.Name) }

func (r *receiver) notFound() error {
	return fmt.Errorf("%w: subscription %s/%s", bus.ErrNotFound, r.root, r.sub.Name)
}

// Next first reclaims entries whose lock expired, then reads new ones.
func (r *receiver) Next(ctx context.Context) (bus.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.closed.Load() || r.t.closed.Load() {
			return nil, bus.ErrTransportClosed
		}

		d, err := r.claim(ctx)
		if d != nil || err != nil {
			return d, err
		}
		d, err = r.read(ctx)
		if d != nil || err != nil {
			return d, err
		}
	}
}

func (r *receiver) claim(ctx context.Context) (bus.Delivery, error) {
	msgs, err := redisDo(ctx, r.t, func(c *goredis.Client) ([]goredis.XMessage, error) {
		msgs, _, err := c.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   r.stream(),
			Group:    group,
			Consumer: r.consumer,
			MinIdle:  r.sub.LockDuration,
			Start:    "0-0",
			Count:    1,
		}).Result()
		return msgs, err
	})
	if isRedisErr(err, "NOGROUP") {
		return nil, r.notFound()
	} else if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	n, err := redisDo(ctx, r.t, func(c *goredis.Client) (int, error) {
		pending, err := c.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream: r.stream(),
			Group:  group,
			Start:  msgs[0].ID,
			End:    msgs[0].ID,
			Count:  1,
		}).Result()
		if err != nil || len(pending) == 0 {
			return 0, err
		}
		return int(pending[0].RetryCount), nil
	})
	if err != nil {
		return nil, err
	}
	return r.delivery(msgs[0], max(n, 1)), nil
}

func (r *receiver) read(ctx context.Context) (bus.Delivery, error) {
	block := pollBlock
	if dl, ok := ctx.Deadline(); ok {
		block = min(block, max(time.Until(dl), time.Millisecond))
	}
	streams, err := redisDo(ctx, r.t, func(c *goredis.Client) ([]goredis.XStream, error) {
		return c.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: r.consumer,
			Streams:  []string{r.stream(), ">"},
			Count:    1,
			Block:    block,
		}).Result()
	})
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, nil
	case isRedisErr(err, "NOGROUP"):
		return nil, r.notFound()
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			return r.delivery(m, 1), nil
		}
	}
	return nil, nil
}

func (r *receiver) delivery(m goredis.XMessage, n int) *delivery {
	return &delivery{r: r, id: m.ID, msg: decodeFields(m.Values), n: n}
}

func (r *receiver) Close() error {
	r.closed.Store(true)
	return nil
}

type delivery struct {
	r   *receiver
	id  string
	msg *bus.Message
	n   int
}

func (d *delivery) Message() *bus.Message { return d.msg }
func (d *delivery) NumDelivered() int     { return d.n }

func (d *delivery) Ack(ctx context.Context) error {
	_, err := redisDo(ctx, d.r.t, func(c *goredis.Client) ([]goredis.Cmder, error) {
		return c.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.XAck(ctx, d.r.stream(), group, d.id)
			p.XDel(ctx, d.r.stream(), d.id)
			return nil
		})
	})
	return err
}

// Nak keeps the entry pending and backdates its idle time so that it is
// reclaimed once delay has passed.
func (d *delivery) Nak(ctx context.Context, delay time.Duration) error {
	idle := max(d.r.sub.LockDuration-delay, 0)
	_, err := redisDo(ctx, d.r.t, func(c *goredis.Client) (any, error) {
		return c.Do(ctx,
			"XCLAIM", d.r.stream(), group, d.r.consumer, 0, d.id,
			"IDLE", idle.Milliseconds(), "JUSTID",
		).Result()
	})
	return err
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	fields := encodeFields(d.msg)
	fields = append(fields, fieldHeader+bus.HeaderDeadLetterReason, reason)
	_, err := redisDo(ctx, d.r.t, func(c *goredis.Client) ([]goredis.Cmder, error) {
		return c.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.XAdd(ctx, &goredis.XAddArgs{Stream: d.r.keys.dlq(d.r.sub.Name), Values: fields})
			p.XAck(ctx, d.r.stream(), group, d.id)
			p.XDel(ctx, d.r.stream(), d.id)
			return nil
		})
	})
	return err
}

// DeadLetters returns up to limit dead-lettered messages of a subscription.
func (t *Transport) DeadLetters(ctx context.Context, root, sub string, limit int) ([]*bus.Message, error) {
	msgs, err := redisDo(ctx, t, func(c *goredis.Client) ([]goredis.XMessage, error) {
		return c.XRangeN(ctx, keys{root}.dlq(sub), "-", "+", int64(limit)).Result()
	})
	if err != nil {
		return nil, err
	}
	out := make([]*bus.Message, len(msgs))
	for i, m := range msgs {
		out[i] = decodeFields(m.Values)
	}
	return out, nil
}

// Pending returns the number of delivered but unsettled entries of a subscription.
func (t *Transport) Pending(ctx context.Context, root, sub string) (int, error) {
	return redisDo(ctx, t, func(c *goredis.Client) (int, error) {
		p, err := c.XPending(ctx, keys{root}.stream(sub), group).Result()
		if err != nil {
			return 0, err
		}
		return int(p.Count), nil
	})
}

var (
	_ bus.Transport = (*Transport)(nil)
	_ bus.Receiver  = (*receiver)(nil)
	_ bus.Delivery  = (*delivery)(nil)
)
