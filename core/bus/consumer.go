package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codewandler/esbus/core/es"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

const DefaultRedeliveryDelay = time.Second

type ConsumerConfig struct {
	Log       *slog.Logger
	Transport Transport
	Codec     *Codec
	Handler   es.Handler
	Root      string
	// Subscriptions to receive from, one loop each. They must be provisioned.
	Subscriptions []Subscription
	// RedeliveryDelay is how long a failed message waits before it is
	// delivered again.
	RedeliveryDelay time.Duration
	// Backoff paces resubscribing after receive failures.
	Backoff func() backoff.BackOff
	Metrics BusMetrics
	Now     func() time.Time
}

// Consumer runs one receive loop per subscription and settles every
// delivery: ack on success, redelivery on failure, dead-letter when the
// delivery count is exhausted or the message expired.
type Consumer struct {
	cfg   ConsumerConfig
	log   *slog.Logger
	state atomic.Int32

	mu           sync.Mutex
	cancelRecv   context.CancelFunc
	cancelHandle context.CancelFunc
	done         chan struct{}
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Transport == nil || cfg.Codec == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("%w: consumer needs transport, codec and handler", ErrInvalidConfig)
	}
	if len(cfg.Subscriptions) == 0 {
		return nil, fmt.Errorf("%w: consumer has no subscriptions", ErrInvalidConfig)
	}
	topo := Topology{Root: cfg.Root}
	for _, s := range cfg.Subscriptions {
		topo.Subscriptions = append(topo.Subscriptions, s.WithDefaults())
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	cfg.Subscriptions = topo.Subscriptions

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = DefaultRedeliveryDelay
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopBusMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	done := make(chan struct{})
	close(done)

	return &Consumer{
		cfg:  cfg,
		log:  cfg.Log.With(slog.String("component", "consumer"), slog.String("root", cfg.Root)),
		done: done,
	}, nil
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (c *Consumer) State() State { return State(c.state.Load()) }

// Done is closed once every loop of the current run has exited.
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Start launches the receive loops and returns without waiting for messages.
// ctx only provides values; use Stop to end the loops.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("%w: start while %s", ErrConsumerState, c.State())
	}

	base := context.WithoutCancel(ctx)
	recvCtx, cancelRecv := context.WithCancel(base)
	handleCtx, cancelHandle := context.WithCancel(base)
	done := make(chan struct{})
	c.cancelRecv, c.cancelHandle, c.done = cancelRecv, cancelHandle, done

	var wg sync.WaitGroup
	wg.Add(len(c.cfg.Subscriptions))
	for _, sub := range c.cfg.Subscriptions {
		go func() {
			defer wg.Done()
			c.run(recvCtx, handleCtx, sub)
		}()
	}

	go func() {
		wg.Wait()
		cancelRecv()
		cancelHandle()
		c.state.Store(int32(StateStopped))
		close(done)
		c.log.Info("consumer stopped")
	}()

	c.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	c.log.Info("consumer started", slog.Int("subscriptions", len(c.cfg.Subscriptions)))
	return nil
}

// Stop cancels receiving and waits for in-flight messages to finish. When ctx
// ends first, in-flight handlers are cancelled and ctx's error is returned;
// their messages stay unsettled and are redelivered by the broker.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		c.mu.Unlock()
		return fmt.Errorf("%w: stop while %s", ErrConsumerState, c.State())
	}
	cancelRecv, cancelHandle, done := c.cancelRecv, c.cancelHandle, c.done
	c.mu.Unlock()

	cancelRecv()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.log.Warn("stop deadline exceeded, abandoning in-flight messages")
		cancelHandle()
		return ctx.Err()
	}
}

func (c *Consumer) run(recvCtx, handleCtx context.Context, sub Subscription) {
	log := c.log.With(slog.String("subscription", sub.Name))

	for {
		rcv, err := c.subscribe(recvCtx, log, sub)
		if err != nil {
			if recvCtx.Err() == nil {
				log.Error("receive loop ended", slog.Any("error", err))
			}
			return
		}

		err = c.receive(recvCtx, handleCtx, log, sub, rcv)
		if cerr := rcv.Close(); cerr != nil {
			log.Debug("close receiver", slog.Any("error", cerr))
		}
		if recvCtx.Err() != nil {
			return
		}
		if errors.Is(err, ErrTransportClosed) {
			log.Error("receive loop ended", slog.Any("error", err))
			return
		}
		log.Warn("receive failed, resubscribing", slog.Any("error", err))
	}
}

func (c *Consumer) subscribe(ctx context.Context, log *slog.Logger, sub Subscription) (Receiver, error) {
	return backoff.RetryNotifyWithData(
		func() (Receiver, error) {
			rcv, err := c.cfg.Transport.Subscribe(ctx, c.cfg.Root, sub)
			if errors.Is(err, ErrTransportClosed) || errors.Is(err, es.ErrInvalidArgument) {
				return nil, backoff.Permanent(err)
			}
			return rcv, err
		},
		backoff.WithContext(c.cfg.Backoff(), ctx),
		func(err error, d time.Duration) {
			log.Warn("subscribe failed", slog.Any("error", err), slog.Duration("retry_in", d))
		},
	)
}

func (c *Consumer) receive(recvCtx, handleCtx context.Context, log *slog.Logger, sub Subscription, rcv Receiver) error {
	for {
		d, err := rcv.Next(recvCtx)
		if err != nil {
			return err
		}
		c.dispatch(handleCtx, log, sub, d)
	}
}

func (c *Consumer) dispatch(ctx context.Context, log *slog.Logger, sub Subscription, d Delivery) {
	var (
		msg = d.Message()
		n   = d.NumDelivered()
	)
	log = log.With(
		slog.Group("msg",
			slog.String("id", msg.ID),
			slog.String("routing_key", msg.RoutingKey),
			slog.Int("delivery", n),
		),
	)

	if n > sub.MaxDeliveryCount {
		c.deadLetter(ctx, log, sub, d, fmt.Sprintf("max delivery count %d exceeded", sub.MaxDeliveryCount))
		return
	}

	if sub.Expired(msg, c.cfg.Now()) {
		if sub.DeadLetterOnExpiry {
			c.deadLetter(ctx, log, sub, d, "expired")
			return
		}
		log.Debug("dropping expired message")
		c.settle(log, "ack", d.Ack(ctx))
		c.cfg.Metrics.Consumed(sub.Name, msg.RoutingKey, OutcomeExpired)
		return
	}

	err := c.handle(ctx, sub, msg, n)
	if err == nil {
		c.settle(log, "ack", d.Ack(ctx))
		c.cfg.Metrics.Consumed(sub.Name, msg.RoutingKey, OutcomeAck)
		log.Debug("handled")
		return
	}

	if ctx.Err() != nil {
		// abandoned on stop, the lock expires and the broker redelivers
		log.Warn("handler cancelled", slog.Any("error", err))
		return
	}

	if n >= sub.MaxDeliveryCount {
		c.deadLetter(ctx, log, sub, d, err.Error())
		return
	}

	log.Warn("handler failed, redelivering", slog.Any("error", err), slog.Duration("delay", c.cfg.RedeliveryDelay))
	c.settle(log, "nak", d.Nak(ctx, c.cfg.RedeliveryDelay))
	c.cfg.Metrics.Consumed(sub.Name, msg.RoutingKey, OutcomeRetry)
}

func (c *Consumer) handle(ctx context.Context, sub Subscription, msg *Message, n int) (err error) {
	ctx, span := startConsumeSpan(ctx, sub.Name, msg)
	defer func() {
		if err != nil {
			spanError(span, err)
		}
		span.End()
	}()

	mc, err := c.cfg.Codec.Decode(ctx, msg)
	if err != nil {
		return err
	}

	defer c.cfg.Metrics.HandleDuration(sub.Name, msg.RoutingKey).ObserveDuration()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.cfg.Handler.Handle(mc.WithNumDelivered(n))
}

func (c *Consumer) deadLetter(ctx context.Context, log *slog.Logger, sub Subscription, d Delivery, reason string) {
	log.Warn("dead-lettering", slog.String("reason", reason))
	c.settle(log, "dead-letter", d.DeadLetter(ctx, reason))
	c.cfg.Metrics.Consumed(sub.Name, d.Message().RoutingKey, OutcomeDeadLetter)
}

func (c *Consumer) settle(log *slog.Logger, op string, err error) {
	if err != nil {
		log.Error(op+" failed", slog.Any("error", err))
	}
}
