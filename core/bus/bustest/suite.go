// Package bustest holds the transport conformance suite run against the
// memory broker and the broker adapters.
package bustest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/core/bus"
	"github.com/codewandler/esbus/core/es"
	"github.com/codewandler/esbus/core/es/estests/domain"
)

// Broker is what a transport adapter offers: messaging and provisioning.
type Broker interface {
	bus.Transport
	bus.Provisioner
}

// Options tune the suite to the timing of a broker.
type Options struct {
	// LockDuration of the test subscriptions. Brokers that redeliver naked
	// messages only after the lock expires need it short.
	LockDuration time.Duration
	// Wait bounds every eventual assertion.
	Wait time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockDuration == 0 {
		o.LockDuration = time.Second
	}
	if o.Wait == 0 {
		o.Wait = 10 * time.Second
	}
	return o
}

func root() string { return "r" + gonanoid.Must(8) }

func sub(name string, lock time.Duration, keys ...string) bus.Subscription {
	s := bus.Subscription{Name: name, LockDuration: lock, MaxDeliveryCount: 3}
	for _, k := range keys {
		s.Bindings = append(s.Bindings, bus.Binding{EventType: k})
	}
	return s
}

func configure(t *testing.T, b Broker, topo bus.Topology) bus.ProvisionReport {
	t.Helper()
	m, err := bus.NewTopologyManager(bus.TopologyConfig{Provisioner: b, Topology: topo})
	require.NoError(t, err)
	report, err := m.Configure(t.Context())
	require.NoError(t, err)
	return report
}

func next(t *testing.T, r bus.Receiver, within time.Duration) bus.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), within)
	defer cancel()
	d, err := r.Next(ctx)
	require.NoError(t, err)
	return d
}

func requireNothing(t *testing.T, r bus.Receiver, within time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), within)
	defer cancel()
	d, err := r.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, d)
}

func message(rk string) *bus.Message {
	return &bus.Message{
		ID:         gonanoid.Must(),
		RoutingKey: rk,
		Headers:    map[string]string{bus.HeaderCorrelationID: "corr-1"},
		Body:       []byte(`{"k":"` + rk + `"}`),
	}
}

// RunTransportSuite checks the Transport and Provisioner contracts.
func RunTransportSuite(t *testing.T, newBroker func(t *testing.T) Broker, opts Options) {
	opts = opts.withDefaults()

	t.Run("topology is idempotent", func(t *testing.T) {
		b := newBroker(t)
		topo := bus.Topology{Root: root(), Subscriptions: []bus.Subscription{
			sub("a", opts.LockDuration, "A", "B"),
			sub("c", opts.LockDuration, "C"),
		}}

		first := configure(t, b, topo)
		require.Equal(t, 0, first.Count(bus.Failed))

		second := configure(t, b, topo)
		require.Len(t, second.Steps, len(first.Steps))
		require.Equal(t, len(second.Steps), second.Count(bus.AlreadyPresent))

		bindings, err := b.ListBindings(t.Context(), topo.Root, "a")
		require.NoError(t, err)
		require.Equal(t, []bus.Binding{{EventType: "A"}, {EventType: "B"}}, bindings)

		_, err = b.ListBindings(t.Context(), topo.Root, "missing")
		require.ErrorIs(t, err, bus.ErrNotFound)
	})

	t.Run("bindings and subscriptions are removed once", func(t *testing.T) {
		b := newBroker(t)
		r := root()
		configure(t, b, bus.Topology{Root: r, Subscriptions: []bus.Subscription{sub("a", opts.LockDuration, "A", "B")}})

		res, err := b.RemoveBinding(t.Context(), r, "a", bus.Binding{EventType: "B"})
		require.NoError(t, err)
		require.Equal(t, bus.Removed, res)
		res, err = b.RemoveBinding(t.Context(), r, "a", bus.Binding{EventType: "B"})
		require.NoError(t, err)
		require.Equal(t, bus.AlreadyAbsent, res)

		bindings, err := b.ListBindings(t.Context(), r, "a")
		require.NoError(t, err)
		require.Equal(t, []bus.Binding{{EventType: "A"}}, bindings)

		res, err = b.RemoveSubscription(t.Context(), r, "a")
		require.NoError(t, err)
		require.Equal(t, bus.Removed, res)
		res, err = b.RemoveSubscription(t.Context(), r, "a")
		require.NoError(t, err)
		require.Equal(t, bus.AlreadyAbsent, res)

		_, err = b.Subscribe(t.Context(), r, sub("a", opts.LockDuration, "A"))
		require.ErrorIs(t, err, bus.ErrNotFound)
	})

	t.Run("concurrent configure from several managers", func(t *testing.T) {
		b := newBroker(t)
		r := root()

		// every manager binds the shared key and one of its own
		const N = 6
		var wg sync.WaitGroup
		errs := make([]error, N)
		reports := make([]bus.ProvisionReport, N)
		for i := range N {
			wg.Add(1)
			go func() {
				defer wg.Done()
				own := fmt.Sprintf("K%d", i)
				m, err := bus.NewTopologyManager(bus.TopologyConfig{
					Provisioner: b,
					Topology:    bus.Topology{Root: r, Subscriptions: []bus.Subscription{sub("shared", opts.LockDuration, "A", own)}},
				})
				if err != nil {
					errs[i] = err
					return
				}
				reports[i], errs[i] = m.Configure(t.Context())
			}()
		}
		wg.Wait()

		want := []bus.Binding{{EventType: "A"}}
		for i := range N {
			require.NoError(t, errs[i])
			require.Zero(t, reports[i].Count(bus.Failed))
			want = append(want, bus.Binding{EventType: fmt.Sprintf("K%d", i)})
		}
		bindings, err := b.ListBindings(t.Context(), r, "shared")
		require.NoError(t, err)
		require.Equal(t, want, bindings)

		rcv, err := b.Subscribe(t.Context(), r, sub("shared", opts.LockDuration, "A"))
		require.NoError(t, err)
		defer func() { _ = rcv.Close() }()
		require.NoError(t, b.Publish(t.Context(), r, message(fmt.Sprintf("K%d", N-1))))
		d := next(t, rcv, opts.Wait)
		require.Equal(t, fmt.Sprintf("K%d", N-1), d.Message().RoutingKey)
		require.NoError(t, d.Ack(t.Context()))
	})

	t.Run("publish routes by binding", func(t *testing.T) {
		b := newBroker(t)
		r := root()
		sa, sab := sub("a", opts.LockDuration, "A"), sub("ab", opts.LockDuration, "A", "B")
		configure(t, b, bus.Topology{Root: r, Subscriptions: []bus.Subscription{sa, sab}})

		ra, err := b.Subscribe(t.Context(), r, sa)
		require.NoError(t, err)
		defer ra.Close()
		rab, err := b.Subscribe(t.Context(), r, sab)
		require.NoError(t, err)
		defer rab.Close()

		for _, rk := range []string{"A", "B", "C"} {
			require.NoError(t, b.Publish(t.Context(), r, message(rk)))
		}

		d := next(t, ra, opts.Wait)
		require.Equal(t, "A", d.Message().RoutingKey)
		require.Equal(t, "corr-1", d.Message().Header(bus.HeaderCorrelationID))
		require.JSONEq(t, `{"k":"A"}`, string(d.Message().Body))
		require.Equal(t, 1, d.NumDelivered())
		require.NoError(t, d.Ack(t.Context()))
		requireNothing(t, ra, 300*time.Millisecond)

		got := map[string]bool{}
		for range 2 {
			d := next(t, rab, opts.Wait)
			got[d.Message().RoutingKey] = true
			require.NoError(t, d.Ack(t.Context()))
		}
		require.Equal(t, map[string]bool{"A": true, "B": true}, got)
		requireNothing(t, rab, 300*time.Millisecond)
	})

	t.Run("nak redelivers", func(t *testing.T) {
		b := newBroker(t)
		r, s := root(), sub("a", opts.LockDuration, "A")
		configure(t, b, bus.Topology{Root: r, Subscriptions: []bus.Subscription{s}})
		rcv, err := b.Subscribe(t.Context(), r, s)
		require.NoError(t, err)
		defer rcv.Close()

		msg := message("A")
		require.NoError(t, b.Publish(t.Context(), r, msg))

		d := next(t, rcv, opts.Wait)
		require.Equal(t, msg.ID, d.Message().ID)
		require.NoError(t, d.Nak(t.Context(), 10*time.Millisecond))

		d = next(t, rcv, opts.Wait)
		require.Equal(t, msg.ID, d.Message().ID)
		require.Equal(t, 2, d.NumDelivered())
		require.NoError(t, d.Ack(t.Context()))
	})

	t.Run("dead-lettered messages are not redelivered", func(t *testing.T) {
		b := newBroker(t)
		r, s := root(), sub("a", opts.LockDuration, "A")
		configure(t, b, bus.Topology{Root: r, Subscriptions: []bus.Subscription{s}})
		rcv, err := b.Subscribe(t.Context(), r, s)
		require.NoError(t, err)
		defer rcv.Close()

		require.NoError(t, b.Publish(t.Context(), r, message("A")))
		d := next(t, rcv, opts.Wait)
		require.NoError(t, d.DeadLetter(t.Context(), "poison"))
		requireNothing(t, rcv, opts.LockDuration+500*time.Millisecond)
	})

	t.Run("consumer end to end", func(t *testing.T) {
		b := newBroker(t)
		r := root()
		s := bus.Subscription{
			Name:             "counter-view",
			Bindings:         []bus.Binding{bus.BindingFor[domain.Incremented]()},
			LockDuration:     opts.LockDuration,
			MaxDeliveryCount: 3,
		}
		configure(t, b, bus.Topology{Root: r, Subscriptions: []bus.Subscription{s}})

		codec := bus.NewCodec(domain.Registry())
		pub, err := bus.NewPublisher(bus.PublisherConfig{Transport: b, Codec: codec, Root: r})
		require.NoError(t, err)
		repo, err := es.NewRepository(es.NewInMemoryStore(), domain.Registry(), es.WithPublisher(pub))
		require.NoError(t, err)
		counters, err := es.NewTypedRepository(repo, domain.NewTestAgg)
		require.NoError(t, err)

		var (
			mu           sync.Mutex
			versions     []es.Version
			correlations []string
			failures     atomic.Int32
		)
		handlers := bus.On(bus.NewHandlers(), func(c es.MsgCtx, e *domain.Incremented) error {
			// the first event fails once and comes back
			if c.Version() == 1 && failures.Add(1) == 1 {
				return errors.New("transient")
			}
			mu.Lock()
			defer mu.Unlock()
			versions = append(versions, c.Version())
			correlations = append(correlations, c.CorrelationID())
			return nil
		})

		c, err := bus.NewConsumer(bus.ConsumerConfig{
			Transport:       b,
			Codec:           codec,
			Handler:         handlers,
			Root:            r,
			Subscriptions:   []bus.Subscription{s},
			RedeliveryDelay: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		require.NoError(t, c.Start(t.Context()))

		ctx := es.WithMetadata(t.Context(), es.Metadata{CorrelationID: "corr-e2e"})
		_, err = counters.Update(ctx, "agg-1", func(a *domain.TestAgg) error {
			return errors.Join(a.IncBy(1), a.IncBy(2))
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(versions) == 2
		}, opts.Wait, 20*time.Millisecond)

		stopCtx, cancel := context.WithTimeout(t.Context(), opts.Wait)
		defer cancel()
		require.NoError(t, c.Stop(stopCtx))
		require.Equal(t, bus.StateStopped, c.State())

		mu.Lock()
		defer mu.Unlock()
		require.ElementsMatch(t, []es.Version{1, 2}, versions)
		require.Equal(t, []string{"corr-e2e", "corr-e2e"}, correlations)
		require.EqualValues(t, 2, failures.Load())
	})
}
