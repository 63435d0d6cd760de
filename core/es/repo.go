package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Repository rehydrates aggregates from their stream and persists new events
// with optimistic concurrency.
type Repository interface {
	// Load folds the aggregate's stream into agg. found is false when the
	// stream is empty; that is not an error.
	Load(ctx context.Context, agg Aggregate) (found bool, err error)
	// Save appends agg's uncommitted events expecting the stream to be at the
	// aggregate's committed version, then publishes the committed envelopes.
	// A conflicting writer makes Save fail with ErrConcurrencyConflict; Save
	// never retries.
	Save(ctx context.Context, agg Aggregate) error
}

type repository struct {
	log      *slog.Logger
	store    EventStore
	registry *EventRegistry
	opts     repoOpts
}

func NewRepository(store EventStore, registry *EventRegistry, opts ...RepositoryOption) (Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: event store is required", ErrInvalidArgument)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: event registry is required", ErrInvalidArgument)
	}
	options := newRepoOpts(opts...)
	return &repository{
		log:      options.log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:    store,
		registry: registry,
		opts:     options,
	}, nil
}

func (r *repository) Load(ctx context.Context, agg Aggregate) (found bool, err error) {
	if agg == nil {
		return false, fmt.Errorf("%w: aggregate is nil", ErrInvalidArgument)
	}
	aggType, aggID := agg.GetAggType(), agg.GetID()
	if aggID == "" {
		return false, fmt.Errorf("%w: aggregate id is empty", ErrInvalidArgument)
	}
	if len(agg.Uncommitted()) != 0 {
		return false, fmt.Errorf("%w: aggregate %s has uncommitted events", ErrInvalidArgument, aggID)
	}

	defer r.opts.metrics.RepoLoadDuration(aggType).ObserveDuration()

	agg.Register(r.registry)

	for env, err := range r.store.ReadStream(ctx, aggID) {
		if err != nil {
			return false, fmt.Errorf("load %s/%s: %w", aggType, aggID, err)
		}

		// already applied, e.g. when refreshing a loaded aggregate
		if env.Version <= agg.GetVersion() {
			continue
		}
		if expect := agg.GetVersion() + 1; env.Version != expect {
			return false, fmt.Errorf("load %s/%s: expected version %d, got %d", aggType, aggID, expect, env.Version)
		}

		ev, err := r.registry.Decode(env)
		if err != nil {
			return false, err
		}
		if err := agg.Apply(ev); err != nil {
			return false, fmt.Errorf("apply %s to %s/%s: %w", env.Type, aggType, aggID, err)
		}

		agg.setVersion(env.Version)
		agg.setSeq(env.Seq)
	}

	found = agg.GetVersion() > 0

	r.log.Debug(
		"loaded",
		slog.Group(
			"agg",
			slog.String("type", aggType),
			slog.String("id", aggID),
			slog.Uint64("seq", agg.GetSeq()),
			agg.GetVersion().SlogAttr(),
		),
		slog.Bool("found", found),
	)

	return found, nil
}

func (r *repository) Save(ctx context.Context, agg Aggregate) error {
	if agg == nil {
		return fmt.Errorf("%w: aggregate is nil", ErrInvalidArgument)
	}
	pending := agg.Uncommitted()
	if len(pending) == 0 {
		return nil
	}
	aggType, aggID := agg.GetAggType(), agg.GetID()
	if aggID == "" {
		return fmt.Errorf("%w: aggregate id is empty", ErrInvalidArgument)
	}

	defer r.opts.metrics.RepoSaveDuration(aggType).ObserveDuration()

	var (
		md       = MetadataFrom(ctx).complete()
		expected = agg.GetVersion()
		now      = r.opts.now()
		envs     = make([]Envelope, 0, len(pending))
	)

	for _, ev := range pending {
		data, err := r.registry.Encode(ev)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ev.EventType(), err)
		}
		envs = append(envs, Envelope{
			ID:            r.opts.idGenerator(),
			AggregateType: aggType,
			Type:          ev.EventType(),
			CorrelationID: md.CorrelationID,
			CausationID:   md.CausationID,
			Actor:         md.Actor,
			OccurredAt:    now,
			Data:          data,
		})
	}

	t := r.opts.metrics.StoreAppendDuration(aggType)
	res, err := r.store.Append(ctx, aggID, expected, envs)
	t.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.opts.metrics.ConcurrencyConflict(aggType)
		}
		return fmt.Errorf("save %s/%s: %w", aggType, aggID, err)
	}

	r.opts.metrics.EventsAppended(aggType, len(res.Committed))
	agg.setVersion(res.Version)
	agg.setSeq(res.LastSeq)
	agg.ClearUncommitted()

	r.log.Debug(
		"saved",
		slog.Group(
			"agg",
			slog.String("type", aggType),
			slog.String("id", aggID),
			slog.Uint64("seq", res.LastSeq),
			res.Version.SlogAttr(),
		),
		slog.Int("num_events", len(res.Committed)),
	)

	r.publish(ctx, res.Committed)

	return nil
}

// publish hands committed envelopes to the publisher in commit order. The
// store commit stands regardless of the outcome. On the first failure the
// remaining envelopes are not published, so a relay can resume in order.
func (r *repository) publish(ctx context.Context, committed []Envelope) {
	if r.opts.publisher == nil {
		return
	}
	for i := range committed {
		err := r.opts.publisher.Publish(ctx, &committed[i])
		if err == nil {
			continue
		}
		for _, env := range committed[i:] {
			r.opts.metrics.PublishFailed(env.Type)
			r.log.Error("committed event not published", env.LogAttr(), slog.Any("error", err))
			if r.opts.onPublishFailure != nil {
				r.opts.onPublishFailure(ctx, env, err)
			}
		}
		return
	}
}

var _ Repository = (*repository)(nil)

// === TypedRepository ===

// TypedRepository wraps a Repository for one aggregate type.
type TypedRepository[T Aggregate] struct {
	repo   Repository
	newAgg func(id string) T
}

// NewTypedRepository creates a repository for T. newAgg must return a fresh
// aggregate with its apply functions installed.
func NewTypedRepository[T Aggregate](repo Repository, newAgg func(id string) T) (*TypedRepository[T], error) {
	if repo == nil || newAgg == nil {
		return nil, fmt.Errorf("%w: repository and constructor are required", ErrInvalidArgument)
	}
	return &TypedRepository[T]{repo: repo, newAgg: newAgg}, nil
}

func (t *TypedRepository[T]) New(id string) T { return t.newAgg(id) }

// Get loads the aggregate with the given id. found is false for an empty stream.
func (t *TypedRepository[T]) Get(ctx context.Context, id string) (agg T, found bool, err error) {
	if id == "" {
		return agg, false, fmt.Errorf("%w: aggregate id is empty", ErrInvalidArgument)
	}
	agg = t.newAgg(id)
	found, err = t.repo.Load(ctx, agg)
	return agg, found, err
}

func (t *TypedRepository[T]) Save(ctx context.Context, agg T) error { return t.repo.Save(ctx, agg) }

// Update loads the aggregate, runs fn and saves the result once. A concurrent
// writer makes it fail with ErrConcurrencyConflict.
func (t *TypedRepository[T]) Update(ctx context.Context, id string, fn func(T) error) (T, error) {
	agg, _, err := t.Get(ctx, id)
	if err != nil {
		return agg, err
	}
	if err := fn(agg); err != nil {
		return agg, err
	}
	return agg, t.repo.Save(ctx, agg)
}
