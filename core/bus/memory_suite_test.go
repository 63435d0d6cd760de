package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/core/bus"
	"github.com/codewandler/esbus/core/bus/bustest"
)

func TestMemoryBroker_suite(t *testing.T) {
	bustest.RunTransportSuite(t, func(t *testing.T) bustest.Broker {
		return bus.NewMemoryBroker()
	}, bustest.Options{LockDuration: 200 * time.Millisecond, Wait: 2 * time.Second})
}

func TestMemoryTransport_suite(t *testing.T) {
	p, err := bus.NewMemoryPool(nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	bustest.RunTransportSuite(t, func(t *testing.T) bustest.Broker {
		return bus.NewMemoryTransport(p, "memory://"+t.Name())
	}, bustest.Options{LockDuration: 200 * time.Millisecond, Wait: 2 * time.Second})
}
