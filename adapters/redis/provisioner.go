package redis

import (
	"context"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/esbus/core/bus"
	"github.com/codewandler/esbus/internal/codec"
)

// subRecord is the provisioned state of a subscription. Delivery counts and
// TTLs are enforced by the consumer and not stored.
type subRecord struct {
	LockDuration int64 `json:"lock_ms"`
}

func (t *Transport) EnsureRoot(ctx context.Context, root string) (bus.ProvisionResult, error) {
	if !bus.ValidName(root) {
		return bus.Failed, fmt.Errorf("%w: invalid routing root %q", bus.ErrInvalidConfig, root)
	}
	return redisDo(ctx, t, func(c *goredis.Client) (bus.ProvisionResult, error) {
		created, err := c.SetNX(ctx, keys{root}.marker(), root, 0).Result()
		if err != nil {
			return bus.Failed, err
		}
		if created {
			return bus.Created, nil
		}
		return bus.AlreadyPresent, nil
	})
}

// EnsureSubscription creates the subscription stream with its consumer group
// and registers the subscription. The group starts at the end of the stream.
func (t *Transport) EnsureSubscription(ctx context.Context, root string, sub bus.Subscription) (bus.ProvisionResult, error) {
	if err := sub.Validate(); err != nil {
		return bus.Failed, err
	}
	sub = sub.WithDefaults()
	k := keys{root}
	rec, err := codec.Default.Marshal(subRecord{LockDuration: sub.LockDuration.Milliseconds()})
	if err != nil {
		return bus.Failed, err
	}

	return redisDo(ctx, t, func(c *goredis.Client) (bus.ProvisionResult, error) {
		ok, err := c.Exists(ctx, k.marker()).Result()
		if err != nil {
			return bus.Failed, err
		}
		if ok == 0 {
			return bus.Failed, fmt.Errorf("%w: routing root %s", bus.ErrNotFound, root)
		}

		err = c.XGroupCreateMkStream(ctx, k.stream(sub.Name), group, "$").Err()
		if err != nil && !isRedisErr(err, "BUSYGROUP") {
			return bus.Failed, fmt.Errorf("create group on %s: %w", k.stream(sub.Name), err)
		}

		created, err := c.HSetNX(ctx, k.subs(), sub.Name, rec).Result()
		if err != nil {
			return bus.Failed, err
		}
		if created {
			return bus.Created, nil
		}
		return bus.AlreadyPresent, nil
	})
}

func (t *Transport) subExists(ctx context.Context, c *goredis.Client, root, sub string) error {
	ok, err := c.HExists(ctx, keys{root}.subs(), sub).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: subscription %s/%s", bus.ErrNotFound, root, sub)
	}
	return nil
}

func (t *Transport) EnsureBinding(ctx context.Context, root, sub string, b bus.Binding) (bus.ProvisionResult, error) {
	if !bus.ValidName(b.RoutingKey()) {
		return bus.Failed, fmt.Errorf("%w: invalid routing key %q", bus.ErrInvalidConfig, b.RoutingKey())
	}
	k := keys{root}
	return redisDo(ctx, t, func(c *goredis.Client) (bus.ProvisionResult, error) {
		if err := t.subExists(ctx, c, root, sub); err != nil {
			return bus.Failed, err
		}
		var added *goredis.IntCmd
		_, err := c.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			added = p.SAdd(ctx, k.subBindings(sub), b.RoutingKey())
			p.SAdd(ctx, k.bind(b.RoutingKey()), sub)
			return nil
		})
		if err != nil {
			return bus.Failed, err
		}
		if added.Val() == 1 {
			return bus.Created, nil
		}
		return bus.AlreadyPresent, nil
	})
}

func (t *Transport) RemoveBinding(ctx context.Context, root, sub string, b bus.Binding) (bus.ProvisionResult, error) {
	k := keys{root}
	return redisDo(ctx, t, func(c *goredis.Client) (bus.ProvisionResult, error) {
		var removed *goredis.IntCmd
		_, err := c.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			removed = p.SRem(ctx, k.subBindings(sub), b.RoutingKey())
			p.SRem(ctx, k.bind(b.RoutingKey()), sub)
			return nil
		})
		if err != nil {
			return bus.Failed, err
		}
		if removed.Val() == 1 {
			return bus.Removed, nil
		}
		return bus.AlreadyAbsent, nil
	})
}

// RemoveSubscription unbinds the subscription and deletes its stream. The
// dead-letter stream is kept.
func (t *Transport) RemoveSubscription(ctx context.Context, root, sub string) (bus.ProvisionResult, error) {
	k := keys{root}
	return redisDo(ctx, t, func(c *goredis.Client) (bus.ProvisionResult, error) {
		rks, err := c.SMembers(ctx, k.subBindings(sub)).Result()
		if err != nil {
			return bus.Failed, err
		}
		var deleted *goredis.IntCmd
		_, err = c.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			deleted = p.HDel(ctx, k.subs(), sub)
			for _, rk := range rks {
				p.SRem(ctx, k.bind(rk), sub)
			}
			p.Del(ctx, k.subBindings(sub), k.stream(sub))
			return nil
		})
		if err != nil {
			return bus.Failed, err
		}
		if deleted.Val() == 1 {
			return bus.Removed, nil
		}
		return bus.AlreadyAbsent, nil
	})
}

func (t *Transport) ListBindings(ctx context.Context, root, sub string) ([]bus.Binding, error) {
	return redisDo(ctx, t, func(c *goredis.Client) ([]bus.Binding, error) {
		if err := t.subExists(ctx, c, root, sub); err != nil {
			return nil, err
		}
		rks, err := c.SMembers(ctx, keys{root}.subBindings(sub)).Result()
		if err != nil {
			return nil, err
		}
		sort.Strings(rks)
		out := make([]bus.Binding, len(rks))
		for i, rk := range rks {
			out[i] = bus.Binding{EventType: rk}
		}
		return out, nil
	})
}

var _ bus.Provisioner = (*Transport)(nil)
