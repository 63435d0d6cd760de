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
)

type recordingPublisher struct {
	mu    sync.Mutex
	envs  []es.Envelope
	errAt int // fail the n-th publish (1-based), 0 never
	calls int
}

func (p *recordingPublisher) Publish(_ context.Context, env *es.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.errAt > 0 && p.calls >= p.errAt {
		return errors.New("broker down")
	}
	p.envs = append(p.envs, *env)
	return nil
}

func (p *recordingPublisher) published() []es.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]es.Envelope(nil), p.envs...)
}

func newTestRepo(t *testing.T, store es.EventStore, opts ...es.RepositoryOption) *es.TypedRepository[*domain.TestAgg] {
	t.Helper()
	repo, err := es.NewRepository(store, domain.Registry(), opts...)
	require.NoError(t, err)
	typed, err := es.NewTypedRepository(repo, domain.NewTestAgg)
	require.NoError(t, err)
	return typed
}

func TestRepository_notFound(t *testing.T) {
	repo := newTestRepo(t, es.NewInMemoryStore())
	a, found, err := repo.Get(t.Context(), "foobar")
	require.NoError(t, err)
	require.False(t, found)
	require.EqualValues(t, 0, a.GetVersion())
	require.Equal(t, "foobar", a.GetID())
}

func TestRepository_invalid(t *testing.T) {
	_, err := es.NewRepository(nil, domain.Registry())
	require.ErrorIs(t, err, es.ErrInvalidArgument)

	_, err = es.NewRepository(es.NewInMemoryStore(), nil)
	require.ErrorIs(t, err, es.ErrInvalidArgument)

	repo, err := es.NewRepository(es.NewInMemoryStore(), domain.Registry())
	require.NoError(t, err)
	require.ErrorIs(t, repo.Save(t.Context(), nil), es.ErrInvalidArgument)

	_, err = repo.Load(t.Context(), nil)
	require.ErrorIs(t, err, es.ErrInvalidArgument)

	typed := newTestRepo(t, es.NewInMemoryStore())
	_, _, err = typed.Get(t.Context(), "")
	require.ErrorIs(t, err, es.ErrInvalidArgument)
}

func TestRepository_saveAndLoad(t *testing.T) {
	var (
		store = es.NewInMemoryStore()
		pub   = &recordingPublisher{}
		now   = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		repo  = newTestRepo(t, store, es.WithPublisher(pub), es.WithClock(func() time.Time { return now }))
		aggID = "my-agg-1"
	)

	a := repo.New(aggID)
	require.NoError(t, a.IncBy(7))
	require.NoError(t, a.Rename("seven"))
	require.Len(t, a.Uncommitted(), 2)
	require.EqualValues(t, 0, a.GetVersion(), "raising does not move the committed version")

	ctx := es.WithActor(t.Context(), "alice")
	require.NoError(t, repo.Save(ctx, a))
	require.EqualValues(t, 2, a.GetVersion())
	require.EqualValues(t, 2, a.GetSeq())
	require.Empty(t, a.Uncommitted())

	// saving without changes is a no-op
	require.NoError(t, repo.Save(t.Context(), a))
	require.Len(t, pub.published(), 2)

	envs := pub.published()
	require.Equal(t, []string{"Incremented", "Renamed"}, []string{envs[0].Type, envs[1].Type})
	for i, env := range envs {
		require.Equal(t, aggID, env.StreamID)
		require.Equal(t, "test_agg", env.AggregateType)
		require.Equal(t, es.Version(i+1), env.Version)
		require.Equal(t, "alice", env.Actor)
		require.NotEmpty(t, env.CorrelationID)
		require.Equal(t, envs[0].CorrelationID, env.CorrelationID, "one conversation per save")
		require.True(t, now.Equal(env.OccurredAt))
	}

	loaded, found, err := repo.Get(t.Context(), aggID)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 7, loaded.Count())
	require.Equal(t, "seven", loaded.Name)
	require.EqualValues(t, 2, loaded.GetVersion())
	require.EqualValues(t, 2, loaded.NumTotalEvents)

	// continue from the loaded aggregate
	require.NoError(t, loaded.Reset())
	require.NoError(t, repo.Save(t.Context(), loaded))
	require.EqualValues(t, 3, loaded.GetVersion())

	again, _, err := repo.Get(t.Context(), aggID)
	require.NoError(t, err)
	require.EqualValues(t, 0, again.Count())
	require.Equal(t, 1, again.NumResets)
}

func TestRepository_causation(t *testing.T) {
	var (
		pub  = &recordingPublisher{}
		repo = newTestRepo(t, es.NewInMemoryStore(), es.WithPublisher(pub))
	)

	a := repo.New("a")
	require.NoError(t, a.Inc())
	require.NoError(t, repo.Save(t.Context(), a))
	first := pub.published()[0]
	require.Equal(t, first.CorrelationID, first.CausationID)

	// a follow-up write caused by the first event
	b := repo.New("b")
	require.NoError(t, b.Inc())
	require.NoError(t, repo.Save(es.CausedBy(t.Context(), first), b))
	second := pub.published()[1]
	require.Equal(t, first.CorrelationID, second.CorrelationID)
	require.Equal(t, first.ID, second.CausationID)
}

func TestRepository_concurrencyConflict(t *testing.T) {
	var (
		repo  = newTestRepo(t, es.NewInMemoryStore())
		aggID = "contended"
	)

	a := repo.New(aggID)
	require.NoError(t, a.IncBy(3))
	require.NoError(t, repo.Save(t.Context(), a))

	// two writers load the same version
	w1, _, err := repo.Get(t.Context(), aggID)
	require.NoError(t, err)
	w2, _, err := repo.Get(t.Context(), aggID)
	require.NoError(t, err)

	require.NoError(t, w1.Inc())
	require.NoError(t, w2.IncBy(2))

	require.NoError(t, repo.Save(t.Context(), w1))
	err = repo.Save(t.Context(), w2)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	require.Len(t, w2.Uncommitted(), 1, "failed save keeps pending events")

	loaded, _, err := repo.Get(t.Context(), aggID)
	require.NoError(t, err)
	require.EqualValues(t, 4, loaded.Count())
	require.EqualValues(t, 2, loaded.GetVersion())
}

func TestRepository_concurrentUpdates(t *testing.T) {
	var (
		repo  = newTestRepo(t, es.NewInMemoryStore())
		aggID = "racy"
	)
	a := repo.New(aggID)
	require.NoError(t, a.Inc())
	require.NoError(t, repo.Save(t.Context(), a))

	const N = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			agg, _, err := repo.Get(t.Context(), aggID)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			<-start
			if err := agg.Inc(); err != nil {
				t.Errorf("inc: %v", err)
				return
			}
			err = repo.Save(t.Context(), agg)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, es.ErrConcurrencyConflict) {
				t.Errorf("save: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	loaded, _, err := repo.Get(t.Context(), aggID)
	require.NoError(t, err)
	require.EqualValues(t, 1+successes, loaded.Count())
	require.EqualValues(t, 1+successes, loaded.GetVersion())
}

func TestRepository_update(t *testing.T) {
	repo := newTestRepo(t, es.NewInMemoryStore())

	a, err := repo.Update(t.Context(), "u", func(a *domain.TestAgg) error { return a.IncBy(5) })
	require.NoError(t, err)
	require.EqualValues(t, 1, a.GetVersion())

	_, err = repo.Update(t.Context(), "u", func(a *domain.TestAgg) error { return a.IncBy(20) })
	require.Error(t, err, "domain rule rejects the command")

	loaded, _, err := repo.Get(t.Context(), "u")
	require.NoError(t, err)
	require.EqualValues(t, 5, loaded.Count())
}

func TestRepository_publishFailureKeepsCommit(t *testing.T) {
	var (
		store  = es.NewInMemoryStore()
		pub    = &recordingPublisher{errAt: 2}
		mu     sync.Mutex
		failed []es.Envelope
		repo   = newTestRepo(t, store,
			es.WithPublisher(pub),
			es.WithPublishFailureHandler(func(_ context.Context, env es.Envelope, err error) {
				mu.Lock()
				defer mu.Unlock()
				require.Error(t, err)
				failed = append(failed, env)
			}),
		)
	)

	a := repo.New("p")
	require.NoError(t, a.Inc())
	require.NoError(t, a.Inc())
	require.NoError(t, a.Rename("x"))
	require.NoError(t, repo.Save(t.Context(), a), "publish failure does not fail the save")
	require.EqualValues(t, 3, a.GetVersion())

	require.Len(t, pub.published(), 1)
	require.Len(t, failed, 2)
	require.EqualValues(t, 2, failed[0].Version)
	require.EqualValues(t, 3, failed[1].Version)

	envs, err := es.Collect(store.ReadStream(t.Context(), "p"))
	require.NoError(t, err)
	require.Len(t, envs, 3)
}

func TestRepository_unknownEventOnLoad(t *testing.T) {
	store := es.NewInMemoryStore()
	_, err := store.Append(t.Context(), "x", 0, []es.Envelope{NewEnvelope("Exploded", `{}`)})
	require.NoError(t, err)

	repo := newTestRepo(t, store)
	_, _, err = repo.Get(t.Context(), "x")
	require.ErrorIs(t, err, es.ErrUnknownEventType)
}

type unhandled struct{}

func (unhandled) EventType() string { return "Unhandled" }

func TestRepository_failedApplyIsNotSaved(t *testing.T) {
	store := es.NewInMemoryStore()
	reg := domain.Registry()
	es.Register[unhandled](reg)
	repo, err := es.NewRepository(store, reg)
	require.NoError(t, err)
	counters, err := es.NewTypedRepository(repo, domain.NewTestAgg)
	require.NoError(t, err)

	a := counters.New("s1")
	require.NoError(t, a.Inc())
	err = es.RaiseAndApply(a, &unhandled{})
	require.ErrorIs(t, err, es.ErrUnknownEventType)
	require.Len(t, a.Uncommitted(), 1)

	require.NoError(t, counters.Save(t.Context(), a))
	require.EqualValues(t, 1, a.GetVersion())

	b := counters.New("s2")
	require.ErrorIs(t, es.RaiseAndApply(b, &unhandled{}), es.ErrUnknownEventType)
	require.Empty(t, b.Uncommitted())
	require.NoError(t, counters.Save(t.Context(), b))
	require.EqualValues(t, 0, b.GetVersion())

	loaded, found, err := counters.Get(t.Context(), "s1")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, loaded.GetVersion())
	require.Equal(t, 1, loaded.Count())

	_, found, err = counters.Get(t.Context(), "s2")
	require.NoError(t, err)
	require.False(t, found)
}
