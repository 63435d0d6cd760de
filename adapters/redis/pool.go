// Package redis implements the bus transport and topology provisioner on
// Redis Streams. Redis has no routing of its own: every subscription is a
// stream with one consumer group, and Publish appends the message to the
// stream of every subscription bound to its routing key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/esbus/core/pool"
)

// Dial connects to a redis:// or rediss:// URL and checks the connection.
func Dial(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.MaxRetries = 3
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func Broken(err error) bool { return errors.Is(err, goredis.ErrClosed) }

// NewPool returns a pool of Redis clients keyed by URL. Each client keeps
// its own connection pool.
func NewPool(log *slog.Logger, m pool.Metrics) (*pool.Pool[*goredis.Client], error) {
	return pool.New(pool.Config[*goredis.Client]{
		Log:     log,
		Dial:    Dial,
		Close:   (*goredis.Client).Close,
		Broken:  Broken,
		Metrics: m,
	})
}
