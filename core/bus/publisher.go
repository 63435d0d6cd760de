package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codewandler/esbus/core/es"
)

type PublisherConfig struct {
	Log       *slog.Logger
	Transport Transport
	Codec     *Codec
	// Root is the routing root messages are published under.
	Root    string
	Metrics BusMetrics
}

// Publisher sends committed envelopes to the bus. It implements es.Publisher
// so a Repository publishes after every successful Save.
type Publisher struct {
	log       *slog.Logger
	transport Transport
	codec     *Codec
	root      string
	metrics   BusMetrics
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: publisher needs a transport", ErrInvalidConfig)
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("%w: publisher needs a codec", ErrInvalidConfig)
	}
	if !ValidName(cfg.Root) {
		return nil, fmt.Errorf("%w: invalid routing root %q", ErrInvalidConfig, cfg.Root)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = NopBusMetrics()
	}
	return &Publisher{
		log:       log.With(slog.String("component", "publisher"), slog.String("root", cfg.Root)),
		transport: cfg.Transport,
		codec:     cfg.Codec,
		root:      cfg.Root,
		metrics:   m,
	}, nil
}

// Publish sends one message for env and waits for the broker to accept it.
func (p *Publisher) Publish(ctx context.Context, env *es.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: envelope is nil", es.ErrInvalidArgument)
	}
	msg, err := p.codec.Encode(env)
	if err != nil {
		return err
	}

	ctx, span := startPublishSpan(ctx, p.root, msg)
	defer span.End()

	t := p.metrics.PublishDuration(p.root)
	err = p.transport.Publish(ctx, p.root, msg)
	t.ObserveDuration()
	if err != nil {
		spanError(span, err)
		p.metrics.PublishFailed(p.root, msg.RoutingKey)
		return fmt.Errorf("publish %s: %w", msg.RoutingKey, err)
	}

	p.metrics.Published(p.root, msg.RoutingKey)
	p.log.Debug("published", env.LogAttr())
	return nil
}

var _ es.Publisher = (*Publisher)(nil)
