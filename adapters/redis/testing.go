package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codewandler/esbus/core/pool"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestPool returns a pool that is closed when the test ends.
func NewTestPool(t Testing) *pool.Pool[*goredis.Client] {
	p, err := NewPool(nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// NewTestContainer starts a Redis server for the test and returns its URL.
func NewTestContainer(t Testing) string {
	ctx := t.Context()
	redisC, err := testcontainers.Run(
		ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisC); err != nil {
			t.Logf("failed to terminate container: %s", err.Error())
		}
	})

	ip, err := redisC.ContainerIP(t.Context())
	require.NoError(t, err)
	t.Logf("redis ip: %s", ip)
	return "redis://" + ip + ":6379/0"
}
