//go:build integration

package integration

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/adapters/mgmt"
	"github.com/codewandler/esbus/adapters/nats"
	"github.com/codewandler/esbus/adapters/redis"
	"github.com/codewandler/esbus/adapters/sqlite"
	"github.com/codewandler/esbus/core/bus"
	"github.com/codewandler/esbus/core/es"
	"github.com/codewandler/esbus/core/es/estests/domain"
)

type broker interface {
	bus.Transport
	bus.Provisioner
}

type counts struct {
	mu       sync.Mutex
	byStream map[string]int
}

func (c *counts) onIncremented(mc es.MsgCtx, e *domain.Incremented) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byStream[mc.StreamID()] += int(e.Inc)
	return nil
}

func (c *counts) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byStream[id]
}

// runPipeline writes through a repository, consumes the published events
// from b and projects the store in parallel. Both read models must agree.
func runPipeline(t *testing.T, store es.EventStore, b broker, cp es.CpStore) {
	sub := bus.Subscription{
		Name:         "counter-view",
		Bindings:     []bus.Binding{bus.BindingFor[domain.Incremented]()},
		LockDuration: time.Second,
	}
	topo, err := bus.NewTopologyManager(bus.TopologyConfig{
		Provisioner: b,
		Topology:    bus.Topology{Root: "orders", Subscriptions: []bus.Subscription{sub}},
	})
	require.NoError(t, err)
	_, err = topo.Configure(t.Context())
	require.NoError(t, err)

	codec := bus.NewCodec(domain.Registry())
	pub, err := bus.NewPublisher(bus.PublisherConfig{Transport: b, Codec: codec, Root: "orders"})
	require.NoError(t, err)
	repo, err := es.NewRepository(store, domain.Registry(), es.WithPublisher(pub))
	require.NoError(t, err)
	counters, err := es.NewTypedRepository(repo, domain.NewTestAgg)
	require.NoError(t, err)

	viaBus := &counts{byStream: map[string]int{}}
	consumer, err := bus.NewConsumer(bus.ConsumerConfig{
		Transport:     b,
		Codec:         codec,
		Handler:       bus.On(bus.NewHandlers(), viaBus.onIncremented),
		Root:          "orders",
		Subscriptions: []bus.Subscription{sub},
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(t.Context()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, consumer.Stop(ctx))
	}()

	viaStore := &counts{byStream: map[string]int{}}
	proj, err := es.NewProjector(es.ProjectorConfig{
		Name:       "counter-projection",
		Store:      store,
		Registry:   domain.Registry(),
		Handler:    bus.On(bus.NewHandlers(), viaStore.onIncremented),
		Checkpoint: cp,
	})
	require.NoError(t, err)

	for _, id := range []string{"c-1", "c-2"} {
		for range 3 {
			_, err := counters.Update(t.Context(), id, func(a *domain.TestAgg) error {
				return errors.Join(a.IncBy(1), a.IncBy(2))
			})
			require.NoError(t, err)
		}
	}

	// a stale writer loses
	stale := domain.NewTestAgg("c-1")
	require.NoError(t, stale.Inc())
	require.ErrorIs(t, repo.Save(t.Context(), stale), es.ErrConcurrencyConflict)

	require.Eventually(t, func() bool {
		return viaBus.get("c-1") == 9 && viaBus.get("c-2") == 9
	}, 10*time.Second, 50*time.Millisecond)

	n, err := proj.CatchUp(t.Context())
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.Equal(t, 9, viaStore.get("c-1"))
	require.Equal(t, 9, viaStore.get("c-2"))

	n, err = proj.CatchUp(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)

	// bindings are visible through the management API
	h, err := mgmt.NewHandler(mgmt.HandlerConfig{Provisioner: b, User: "admin", Password: "secret"})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()
	client, err := mgmt.NewClient(mgmt.ClientConfig{BaseURL: srv.URL, User: "admin", Password: "secret"})
	require.NoError(t, err)
	bindings, err := client.ListBindings(t.Context(), "orders", "counter-view")
	require.NoError(t, err)
	require.Equal(t, []bus.Binding{{EventType: "Incremented"}}, bindings)
}

func TestIntegration_nats(t *testing.T) {
	url := nats.NewTestContainer(t)
	p := nats.NewTestPool(t)

	store, err := nats.NewEventStore(t.Context(), nats.EventStoreConfig{Pool: p, URL: url})
	require.NoError(t, err)
	tr, err := nats.NewTransport(nats.TransportConfig{Pool: p, URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	kvs, err := nats.NewKvStore(t.Context(), nats.KvConfig{Pool: p, URL: url})
	require.NoError(t, err)
	cp, err := es.NewKvCpStore(kvs, "counter-projection")
	require.NoError(t, err)

	runPipeline(t, store, tr, cp)

	// the checkpoint survives in the bucket
	pos, err := cp.Get(t.Context())
	require.NoError(t, err)
	require.NotZero(t, pos)
}

func TestIntegration_sqliteRedis(t *testing.T) {
	url := redis.NewTestContainer(t)

	store, err := sqlite.Open(t.Context(), sqlite.Config{Path: t.TempDir() + "/events.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	tr, err := redis.NewTransport(redis.TransportConfig{Pool: redis.NewTestPool(t), URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	runPipeline(t, store, tr, es.NewInMemCpStore())
}
