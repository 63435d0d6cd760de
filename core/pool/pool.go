// Package pool keeps one long-lived connection per endpoint key.
//
// Connections are created lazily on first Acquire, shared by every caller of
// the same key and replaced transparently when found dead. There is no
// checkout/return: callers use the connection and keep it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/esbus/core/sf"
)

var (
	ErrPoolClosed = errors.New("pool closed")
	ErrNoDialer   = errors.New("pool: dial func is required")
	ErrEmptyKey   = errors.New("pool: endpoint key is empty")
)

// Metrics receives connection lifecycle notifications.
type Metrics interface {
	ConnectionCreated(key string)
	ConnectionDiscarded(key string)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionCreated(string)   {}
func (nopMetrics) ConnectionDiscarded(string) {}

// DefaultDialTimeout bounds a dial when Config.DialTimeout is zero.
const DefaultDialTimeout = 30 * time.Second

type Config[C comparable] struct {
	Log *slog.Logger
	// Dial opens a new connection for key. Required. The context carries the
	// values of the caller that started the dial but not its cancellation.
	Dial func(ctx context.Context, key string) (C, error)
	// DialTimeout bounds each dial. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration
	// Alive reports whether a cached connection is still usable. nil means always.
	Alive func(C) bool
	// Close releases a discarded connection. Optional.
	Close func(C) error
	// Broken classifies an error returned while using a connection as a
	// connection failure. Do discards and redials once when it returns true.
	Broken  func(error) bool
	Metrics Metrics
}

type Pool[C comparable] struct {
	cfg    Config[C]
	log    *slog.Logger
	flight sf.Group[C]

	mu     sync.RWMutex
	conns  map[string]C
	closed bool
}

func New[C comparable](cfg Config[C]) (*Pool[C], error) {
	if cfg.Dial == nil {
		return nil, ErrNoDialer
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Pool[C]{
		cfg:   cfg,
		log:   cfg.Log.With(slog.String("component", "pool")),
		conns: map[string]C{},
	}, nil
}

func (p *Pool[C]) alive(c C) bool {
	if p.cfg.Alive == nil {
		return true
	}
	return p.cfg.Alive(c)
}

func (p *Pool[C]) cached(key string) (c C, ok bool, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return c, false, ErrPoolClosed
	}
	c, ok = p.conns[key]
	return c, ok, nil
}

// Acquire returns the shared connection for key, dialing it on first use.
// Concurrent first calls for the same key result in a single dial. The dial
// outlives the caller that started it, so a cancelled caller only stops its
// own wait.
func (p *Pool[C]) Acquire(ctx context.Context, key string) (C, error) {
	var zero C
	if key == "" {
		return zero, ErrEmptyKey
	}

	c, ok, err := p.cached(key)
	if err != nil {
		return zero, err
	}
	if ok {
		if p.alive(c) {
			return c, nil
		}
		p.log.Warn("discarding dead connection", slog.String("key", Redact(key)))
		p.Discard(key, c)
	}

	ch := p.flight.DoChan(key, func() (C, error) {
		// another caller may have finished dialing while we waited
		if c, ok, err := p.cached(key); err != nil {
			return zero, err
		} else if ok && p.alive(c) {
			return c, nil
		}

		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DialTimeout)
		defer cancel()
		c, err := p.cfg.Dial(dialCtx, key)
		if err != nil {
			return zero, fmt.Errorf("dial %s: %w", Redact(key), err)
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.release(c)
			return zero, ErrPoolClosed
		}
		p.conns[key] = c
		p.mu.Unlock()

		p.cfg.Metrics.ConnectionCreated(key)
		p.log.Debug("connection created", slog.String("key", Redact(key)))
		return c, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

// Discard removes c from the pool if it is still the cached connection for key
// and closes it. The next Acquire dials a fresh one.
func (p *Pool[C]) Discard(key string, c C) {
	p.mu.Lock()
	cur, ok := p.conns[key]
	if !ok || cur != c {
		p.mu.Unlock()
		return
	}
	delete(p.conns, key)
	p.mu.Unlock()

	p.cfg.Metrics.ConnectionDiscarded(key)
	p.release(c)
}

// Do runs fn with the connection for key. When fn fails with an error that
// Config.Broken classifies as a connection failure, the connection is
// discarded and fn is retried once on a fresh one.
func (p *Pool[C]) Do(ctx context.Context, key string, fn func(C) error) error {
	c, err := p.Acquire(ctx, key)
	if err != nil {
		return err
	}
	err = fn(c)
	if err == nil || p.cfg.Broken == nil || !p.cfg.Broken(err) {
		return err
	}

	p.log.Warn("connection failure, redialing", slog.String("key", Redact(key)), slog.Any("error", err))
	p.Discard(key, c)

	c, err = p.Acquire(ctx, key)
	if err != nil {
		return err
	}
	return fn(c)
}

func (p *Pool[C]) release(c C) {
	if p.cfg.Close == nil {
		return
	}
	if err := p.cfg.Close(c); err != nil {
		p.log.Debug("close connection", slog.Any("error", err))
	}
}

// Len returns the number of cached connections.
func (p *Pool[C]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Close closes every cached connection. Acquire fails afterwards.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = map[string]C{}
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if p.cfg.Close != nil {
			errs = append(errs, p.cfg.Close(c))
		}
	}
	return errors.Join(errs...)
}
