package estests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/core/es"
	"github.com/codewandler/esbus/core/es/estests/domain"
	"github.com/codewandler/esbus/ports/kv"
)

type counterProjection struct {
	mu    sync.Mutex
	total int
	seen  []uint64
	fail  bool
}

func (p *counterProjection) Handle(c es.MsgCtx) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("read model unavailable")
	}
	if e, ok := c.Event().(*domain.Incremented); ok {
		p.total += int(e.Inc)
	}
	p.seen = append(p.seen, c.Seq())
	return nil
}

func (p *counterProjection) state() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, len(p.seen)
}

func seedCounters(t *testing.T, store es.EventStore) {
	t.Helper()
	repo := newTestRepo(t, store)
	for _, id := range []string{"a", "b"} {
		agg := repo.New(id)
		require.NoError(t, agg.IncBy(2))
		require.NoError(t, agg.IncBy(3))
		require.NoError(t, repo.Save(t.Context(), agg))
	}
}

func TestProjector_catchUp(t *testing.T) {
	var (
		store = es.NewInMemoryStore()
		proj  = &counterProjection{}
		cp    = es.NewInMemCpStore()
	)
	seedCounters(t, store)

	p, err := es.NewProjector(es.ProjectorConfig{
		Name:       "counter",
		Store:      store,
		Registry:   domain.Registry(),
		Handler:    proj,
		Checkpoint: cp,
	})
	require.NoError(t, err)
	require.Equal(t, "counter", p.Name())

	n, err := p.CatchUp(t.Context())
	require.NoError(t, err)
	require.Equal(t, 4, n)

	total, seen := proj.state()
	require.Equal(t, 10, total)
	require.Equal(t, 4, seen)

	pos, err := p.Position(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 4, pos)

	// nothing new
	n, err = p.CatchUp(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestProjector_skipsUnknownAndStopsOnError(t *testing.T) {
	var (
		store = es.NewInMemoryStore()
		proj  = &counterProjection{}
	)
	_, err := store.Append(t.Context(), "z", 0, []es.Envelope{NewEnvelope("Exploded", `{}`)})
	require.NoError(t, err)
	seedCounters(t, store)

	p, err := es.NewProjector(es.ProjectorConfig{
		Name:     "counter",
		Store:    store,
		Registry: domain.Registry(),
		Handler:  proj,
	})
	require.NoError(t, err)

	proj.fail = true
	n, err := p.CatchUp(t.Context())
	require.Error(t, err)
	require.Equal(t, 1, n, "unknown event skipped, first known one failed")
	pos, _ := p.Position(t.Context())
	require.EqualValues(t, 1, pos)

	proj.fail = false
	n, err = p.CatchUp(t.Context())
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestProjector_kvCheckpointAndRun(t *testing.T) {
	var (
		store = es.NewInMemoryStore()
		proj  = &counterProjection{}
		kvs   = kv.NewMemStore()
	)
	cp, err := es.NewKvCpStore(kvs, "proj.counter")
	require.NoError(t, err)

	seedCounters(t, store)

	p, err := es.NewProjector(es.ProjectorConfig{
		Name:         "counter",
		Store:        store,
		Registry:     domain.Registry(),
		Handler:      proj,
		Checkpoint:   cp,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, seen := proj.state()
		return seen == 4
	}, 2*time.Second, 10*time.Millisecond)

	// new events are picked up by polling
	repo := newTestRepo(t, store)
	_, err = repo.Update(t.Context(), "a", func(a *domain.TestAgg) error { return a.IncBy(1) })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		total, _ := proj.state()
		return total == 11
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	pos, err := cp.Get(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 5, pos)

	// a new projector resumes from the persisted checkpoint
	other := &counterProjection{}
	p2, err := es.NewProjector(es.ProjectorConfig{
		Name: "counter", Store: store, Registry: domain.Registry(), Handler: other, Checkpoint: cp,
	})
	require.NoError(t, err)
	n, err := p2.CatchUp(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}
