package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type ProjectorConfig struct {
	Log      *slog.Logger
	Name     string
	Store    EventStore
	Registry *EventRegistry
	Handler  Handler
	// Checkpoint defaults to an in-memory store, which replays from the
	// start on every restart.
	Checkpoint   CpStore
	PollInterval time.Duration
	Metrics      ESMetrics
}

// Projector follows the global log of an EventStore and feeds every event to
// a Handler, recording its position in a CpStore after each one. It is the
// in-process alternative to consuming committed events from the bus.
type Projector struct {
	log      *slog.Logger
	name     string
	store    EventStore
	registry *EventRegistry
	handler  Handler
	cp       CpStore
	poll     time.Duration
	metrics  ESMetrics
}

func NewProjector(cfg ProjectorConfig) (*Projector, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: projector name is required", ErrInvalidArgument)
	}
	if cfg.Store == nil || cfg.Registry == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("%w: projector %s needs store, registry and handler", ErrInvalidArgument, cfg.Name)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	cp := cfg.Checkpoint
	if cp == nil {
		cp = NewInMemCpStore()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopESMetrics()
	}
	return &Projector{
		log:      log.With(slog.String("projector", cfg.Name)),
		name:     cfg.Name,
		store:    cfg.Store,
		registry: cfg.Registry,
		handler:  cfg.Handler,
		cp:       cp,
		poll:     poll,
		metrics:  metrics,
	}, nil
}

func (p *Projector) Name() string { return p.name }

// Position returns the last processed global sequence.
func (p *Projector) Position(ctx context.Context) (uint64, error) { return p.cp.Get(ctx) }

// CatchUp processes everything after the checkpoint up to the current head.
// Events of unknown type are skipped. A handler error stops the catch-up
// before the checkpoint moves past the failing event.
func (p *Projector) CatchUp(ctx context.Context) (processed int, err error) {
	last, err := p.cp.Get(ctx)
	if err != nil {
		return 0, err
	}

	for env, err := range p.store.ReadAll(ctx, last+1) {
		if err != nil {
			return processed, err
		}

		if err := p.handle(ctx, env); err != nil {
			return processed, fmt.Errorf("projector %s at seq %d: %w", p.name, env.Seq, err)
		}

		if err := p.cp.Set(ctx, env.Seq); err != nil {
			return processed, fmt.Errorf("projector %s: save checkpoint: %w", p.name, err)
		}
		p.metrics.ProjectorPosition(p.name, env.Seq)
		processed++
	}

	return processed, nil
}

func (p *Projector) handle(ctx context.Context, env Envelope) error {
	defer p.metrics.ProjectorEventDuration(p.name, env.Type).ObserveDuration()

	ev, err := p.registry.Decode(env)
	if err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			p.log.Warn("skipping event of unknown type", env.LogAttr())
			return nil
		}
		p.metrics.ProjectorEventProcessed(p.name, env.Type, false)
		return err
	}

	err = p.handler.Handle(NewMsgCtx(ctx, p.log, env, ev))
	p.metrics.ProjectorEventProcessed(p.name, env.Type, err == nil)
	return err
}

// Run catches up, then polls for new events until ctx is done. Handler
// failures are logged and retried on the next poll.
func (p *Projector) Run(ctx context.Context) error {
	p.log.Info("projector started")
	defer p.log.Info("projector stopped")

	t := time.NewTicker(p.poll)
	defer t.Stop()

	for {
		if n, err := p.CatchUp(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Error("catch up failed", slog.Any("error", err))
		} else if n > 0 {
			p.log.Debug("caught up", slog.Int("processed", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
