// Package nats implements the event store, the bus transport, the topology
// provisioner and the key/value port on NATS JetStream.
package nats

import (
	"context"
	"errors"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esbus/core/pool"
)

// Conn is one pooled NATS connection with its JetStream context.
type Conn struct {
	NC *natsgo.Conn
	JS jetstream.JetStream
}

// Dial connects to url. The connection reconnects on its own for a short
// while; once it is closed the pool replaces it.
func Dial(ctx context.Context, url string) (*Conn, error) {
	opts := []natsgo.Option{
		natsgo.Name("esbus"),
		natsgo.MaxReconnects(3),
	}
	if dl, ok := ctx.Deadline(); ok {
		opts = append(opts, natsgo.Timeout(time.Until(dl)))
	}
	nc, err := natsgo.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &Conn{NC: nc, JS: js}, nil
}

func (c *Conn) Alive() bool { return !c.NC.IsClosed() }

func (c *Conn) Close() error {
	c.JS.CleanupPublisher()
	if err := c.NC.Drain(); err != nil {
		c.NC.Close()
	}
	return nil
}

// Broken reports whether err means the connection itself is unusable.
func Broken(err error) bool {
	return errors.Is(err, natsgo.ErrConnectionClosed) ||
		errors.Is(err, natsgo.ErrConnectionDraining) ||
		errors.Is(err, natsgo.ErrNoServers)
}

// NewPool returns a pool of NATS connections keyed by URL.
func NewPool(log *slog.Logger, m pool.Metrics) (*pool.Pool[*Conn], error) {
	return pool.New(pool.Config[*Conn]{
		Log:     log,
		Dial:    Dial,
		Alive:   (*Conn).Alive,
		Close:   (*Conn).Close,
		Broken:  Broken,
		Metrics: m,
	})
}
