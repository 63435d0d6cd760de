package bus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/core/es"
)

func TestParseEndpoint(t *testing.T) {
	for _, tc := range []struct {
		uri, override string
		key, root     string
	}{
		{"nats://127.0.0.1:4222", "", "nats://127.0.0.1:4222", DefaultRoot},
		{"nats://127.0.0.1:4222?root=orders", "", "nats://127.0.0.1:4222", "orders"},
		{"nats://127.0.0.1:4222?root=orders", "billing", "nats://127.0.0.1:4222", "billing"},
		{"redis://:secret@localhost:6379/0?root=orders&protocol=3", "", "redis://:secret@localhost:6379/0?protocol=3", "orders"},
		{"memory://local", "x", "memory://local", "x"},
	} {
		t.Run(tc.uri, func(t *testing.T) {
			ep, err := ParseEndpoint(tc.uri, tc.override)
			require.NoError(t, err)
			require.Equal(t, tc.key, ep.Key)
			require.Equal(t, tc.root, ep.Root)
		})
	}
}

func TestParseEndpoint_invalid(t *testing.T) {
	for _, tc := range []struct{ uri, override string }{
		{"", ""},
		{"no-scheme", ""},
		{"nats://h:1?root=a.b", ""},
		{"nats://h:1", "bad root"},
	} {
		_, err := ParseEndpoint(tc.uri, tc.override)
		require.ErrorIs(t, err, ErrInvalidConfig, tc.uri)
		require.ErrorIs(t, err, es.ErrInvalidArgument)
	}
}
