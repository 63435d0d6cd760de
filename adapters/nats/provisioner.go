package nats

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esbus/core/bus"
	"github.com/codewandler/esbus/internal/codec"
)

// bindingsBucket holds the bindings of every subscription under the key
// <root>.<subscription>. Consumer filters are derived from it.
const bindingsBucket = "esbus_bindings"

func bindingsKey(root, sub string) string { return root + "." + sub }

// EnsureRoot creates the message stream of root and its dead-letter stream.
// The message stream keeps a message only while a subscription is interested.
func (t *Transport) EnsureRoot(ctx context.Context, root string) (bus.ProvisionResult, error) {
	if !bus.ValidName(root) {
		return bus.Failed, fmt.Errorf("%w: invalid routing root %q", bus.ErrInvalidConfig, root)
	}
	return natsDo(ctx, t, func(c *Conn) (bus.ProvisionResult, error) {
		res, err := createStream(ctx, c.JS, jetstream.StreamConfig{
			Name:      rootStream(root),
			Subjects:  []string{busSubjectBase + "." + root + ".>"},
			Retention: jetstream.InterestPolicy,
			Storage:   jetstream.FileStorage,
			Replicas:  t.replicas,
		})
		if err != nil {
			return bus.Failed, err
		}
		if _, err := createStream(ctx, c.JS, jetstream.StreamConfig{
			Name:      dlqStream(root),
			Subjects:  []string{dlqSubjectBase + "." + root + ".>"},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
			Replicas:  t.replicas,
		}); err != nil {
			return bus.Failed, err
		}
		if _, err := c.JS.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:   bindingsBucket,
			Storage:  jetstream.FileStorage,
			Replicas: t.replicas,
		}); err != nil {
			return bus.Failed, fmt.Errorf("ensure kv bucket %s: %w", bindingsBucket, err)
		}
		return res, nil
	})
}

func createStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) (bus.ProvisionResult, error) {
	if _, err := js.Stream(ctx, cfg.Name); err == nil {
		return bus.AlreadyPresent, nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return bus.Failed, err
	}
	_, err := js.CreateStream(ctx, cfg)
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return bus.AlreadyPresent, nil
	} else if err != nil {
		return bus.Failed, fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return bus.Created, nil
}

// EnsureSubscription creates the durable consumer of sub without bindings.
// Existing consumers are left as they are.
func (t *Transport) EnsureSubscription(ctx context.Context, root string, sub bus.Subscription) (bus.ProvisionResult, error) {
	if err := sub.Validate(); err != nil {
		return bus.Failed, err
	}
	sub = sub.WithDefaults()
	return natsDo(ctx, t, func(c *Conn) (bus.ProvisionResult, error) {
		_, err := c.JS.Consumer(ctx, rootStream(root), sub.Name)
		if err == nil {
			return bus.AlreadyPresent, nil
		}
		if isStreamNotFound(err) {
			return bus.Failed, fmt.Errorf("%w: routing root %s", bus.ErrNotFound, root)
		}
		if !isConsumerNotFound(err) {
			return bus.Failed, err
		}

		_, err = c.JS.CreateConsumer(ctx, rootStream(root), jetstream.ConsumerConfig{
			Durable:           sub.Name,
			Description:       "esbus subscription " + sub.Name,
			DeliverPolicy:     jetstream.DeliverNewPolicy,
			AckPolicy:         jetstream.AckExplicitPolicy,
			AckWait:           sub.LockDuration,
			MaxDeliver:        -1,
			FilterSubjects:    []string{routeSubject(root, unboundToken)},
			InactiveThreshold: sub.AutoDeleteOnIdle,
		})
		if errors.Is(err, jetstream.ErrConsumerExists) {
			return bus.AlreadyPresent, nil
		} else if err != nil {
			return bus.Failed, fmt.Errorf("create consumer %s: %w", sub.Name, err)
		}
		return bus.Created, nil
	})
}

// readBindings returns the routing keys stored for sub and the entry
// revision. A missing entry has revision 0.
func readBindings(ctx context.Context, kv jetstream.KeyValue, root, sub string) ([]string, uint64, error) {
	e, err := kv.Get(ctx, bindingsKey(root, sub))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	} else if err != nil {
		return nil, 0, err
	}
	var keys []string
	if err := codec.Default.Unmarshal(e.Value(), &keys); err != nil {
		return nil, 0, fmt.Errorf("decode bindings of %s: %w", sub, err)
	}
	return keys, e.Revision(), nil
}

func isRevisionConflict(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists) || isWrongLastSequence(err)
}

// updateBindings applies change to the stored routing keys of sub with a
// compare-and-swap on the entry revision, then brings the consumer filter in
// line. Conflicting writers retry until ctx ends.
func (t *Transport) updateBindings(
	ctx context.Context,
	root, sub string,
	change func(keys []string) ([]string, bus.ProvisionResult),
) (bus.ProvisionResult, error) {
	return natsDo(ctx, t, func(c *Conn) (bus.ProvisionResult, error) {
		if _, err := c.JS.Consumer(ctx, rootStream(root), sub); err != nil {
			if isConsumerNotFound(err) {
				return bus.Failed, fmt.Errorf("%w: subscription %s/%s", bus.ErrNotFound, root, sub)
			}
			return bus.Failed, err
		}
		kv, err := c.JS.KeyValue(ctx, bindingsBucket)
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return bus.Failed, fmt.Errorf("%w: routing root %s", bus.ErrNotFound, root)
		} else if err != nil {
			return bus.Failed, err
		}

		var res bus.ProvisionResult
		for {
			if err := ctx.Err(); err != nil {
				return bus.Failed, err
			}
			keys, rev, err := readBindings(ctx, kv, root, sub)
			if err != nil {
				return bus.Failed, err
			}
			next, r := change(slices.Clone(keys))
			res = r
			if r != bus.Created && r != bus.Removed {
				break
			}
			sort.Strings(next)
			data, err := codec.Default.Marshal(next)
			if err != nil {
				return bus.Failed, err
			}
			if rev == 0 {
				_, err = kv.Create(ctx, bindingsKey(root, sub), data)
			} else {
				_, err = kv.Update(ctx, bindingsKey(root, sub), data, rev)
			}
			if err == nil {
				break
			}
			if !isRevisionConflict(err) {
				return bus.Failed, fmt.Errorf("store bindings of %s: %w", sub, err)
			}
		}

		if err := syncFilter(ctx, c, kv, root, sub); err != nil {
			return bus.Failed, err
		}
		return res, nil
	})
}

// syncFilter writes the filter derived from the stored bindings to the
// consumer. A writer that derived its filter from a revision that changed
// meanwhile writes again, so the last write always reflects the last revision.
func syncFilter(ctx context.Context, c *Conn, kv jetstream.KeyValue, root, sub string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, rev, err := readBindings(ctx, kv, root, sub)
		if err != nil {
			return err
		}
		cons, err := c.JS.Consumer(ctx, rootStream(root), sub)
		if isConsumerNotFound(err) {
			return fmt.Errorf("%w: subscription %s/%s", bus.ErrNotFound, root, sub)
		} else if err != nil {
			return err
		}

		cfg := cons.CachedInfo().Config
		want := filterFor(root, keys)
		if !slices.Equal(sortedCopy(cfg.FilterSubjects), want) {
			cfg.FilterSubjects = want
			cfg.FilterSubject = ""
			if _, err := c.JS.UpdateConsumer(ctx, rootStream(root), cfg); err != nil {
				return fmt.Errorf("update consumer %s: %w", sub, err)
			}
		}

		_, after, err := readBindings(ctx, kv, root, sub)
		if err != nil {
			return err
		}
		if after == rev {
			return nil
		}
	}
}

// filterFor returns the sorted filter subjects for keys. Without keys the
// filter holds only the unbound placeholder.
func filterFor(root string, keys []string) []string {
	if len(keys) == 0 {
		return []string{routeSubject(root, unboundToken)}
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = routeSubject(root, k)
	}
	sort.Strings(out)
	return out
}

func sortedCopy(s []string) []string {
	out := slices.Clone(s)
	sort.Strings(out)
	return out
}

func (t *Transport) EnsureBinding(ctx context.Context, root, sub string, b bus.Binding) (bus.ProvisionResult, error) {
	if !bus.ValidName(b.RoutingKey()) {
		return bus.Failed, fmt.Errorf("%w: invalid routing key %q", bus.ErrInvalidConfig, b.RoutingKey())
	}
	rk := b.RoutingKey()
	return t.updateBindings(ctx, root, sub, func(keys []string) ([]string, bus.ProvisionResult) {
		if slices.Contains(keys, rk) {
			return keys, bus.AlreadyPresent
		}
		return append(keys, rk), bus.Created
	})
}

func (t *Transport) RemoveBinding(ctx context.Context, root, sub string, b bus.Binding) (bus.ProvisionResult, error) {
	rk := b.RoutingKey()
	res, err := t.updateBindings(ctx, root, sub, func(keys []string) ([]string, bus.ProvisionResult) {
		i := slices.Index(keys, rk)
		if i < 0 {
			return keys, bus.AlreadyAbsent
		}
		return slices.Delete(keys, i, i+1), bus.Removed
	})
	if errors.Is(err, bus.ErrNotFound) {
		return bus.AlreadyAbsent, nil
	}
	return res, err
}

// RemoveSubscription deletes the consumer of sub and its stored bindings.
func (t *Transport) RemoveSubscription(ctx context.Context, root, sub string) (bus.ProvisionResult, error) {
	return natsDo(ctx, t, func(c *Conn) (bus.ProvisionResult, error) {
		res := bus.Removed
		err := c.JS.DeleteConsumer(ctx, rootStream(root), sub)
		if isConsumerNotFound(err) {
			res = bus.AlreadyAbsent
		} else if err != nil {
			return bus.Failed, fmt.Errorf("delete consumer %s: %w", sub, err)
		}

		kv, err := c.JS.KeyValue(ctx, bindingsBucket)
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return res, nil
		} else if err != nil {
			return bus.Failed, err
		}
		if err := kv.Delete(ctx, bindingsKey(root, sub)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return bus.Failed, fmt.Errorf("delete bindings of %s: %w", sub, err)
		}
		return res, nil
	})
}

func (t *Transport) ListBindings(ctx context.Context, root, sub string) ([]bus.Binding, error) {
	return natsDo(ctx, t, func(c *Conn) ([]bus.Binding, error) {
		cons, err := c.JS.Consumer(ctx, rootStream(root), sub)
		if isConsumerNotFound(err) {
			return nil, fmt.Errorf("%w: subscription %s/%s", bus.ErrNotFound, root, sub)
		} else if err != nil {
			return nil, err
		}
		var keys []string
		for _, subj := range cons.CachedInfo().Config.FilterSubjects {
			if k := routingKeyOf(root, subj); k != unboundToken {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		out := make([]bus.Binding, len(keys))
		for i, k := range keys {
			out[i] = bus.Binding{EventType: k}
		}
		return out, nil
	})
}

// DeadLetters fetches up to limit dead-lettered messages of a subscription
// without removing them.
func (t *Transport) DeadLetters(ctx context.Context, root, sub string, limit int) ([]*bus.Message, error) {
	return natsDo(ctx, t, func(c *Conn) ([]*bus.Message, error) {
		stream, err := c.JS.Stream(ctx, dlqStream(root))
		if err != nil {
			if isStreamNotFound(err) {
				return nil, fmt.Errorf("%w: routing root %s", bus.ErrNotFound, root)
			}
			return nil, err
		}
		cons, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
			FilterSubjects: []string{dlqSubject(root, sub)},
		})
		if err != nil {
			return nil, err
		}
		batch, err := cons.FetchNoWait(limit)
		if err != nil {
			return nil, err
		}
		var out []*bus.Message
		for msg := range batch.Messages() {
			m := &bus.Message{
				ID:         msg.Headers().Get(bus.HeaderEventID),
				RoutingKey: msg.Headers().Get(bus.HeaderRoutingKey),
				Headers:    map[string]string{},
				Body:       msg.Data(),
			}
			for k, vs := range msg.Headers() {
				if len(vs) > 0 {
					m.Headers[k] = vs[0]
				}
			}
			out = append(out, m)
		}
		return out, batch.Error()
	})
}

var _ bus.Provisioner = (*Transport)(nil)
