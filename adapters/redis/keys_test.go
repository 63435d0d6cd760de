package redis

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/core/bus"
)

func TestKeys(t *testing.T) {
	k := keys{"orders"}
	require.Equal(t, "esbus:{orders}", k.marker())
	require.Equal(t, "esbus:{orders}:subs", k.subs())
	require.Equal(t, "esbus:{orders}:bind:Shipped", k.bind("Shipped"))
	require.Equal(t, "esbus:{orders}:sub:billing", k.stream("billing"))
	require.Equal(t, "esbus:{orders}:sub:billing:bindings", k.subBindings("billing"))
	require.Equal(t, "esbus:{orders}:dlq:billing", k.dlq("billing"))
	require.Equal(t, k.stream("billing"), k.streamPrefix()+"billing")
}

func TestFields(t *testing.T) {
	msg := &bus.Message{
		ID:         "m1",
		RoutingKey: "Shipped",
		Headers:    map[string]string{bus.HeaderCorrelationID: "c1"},
		Body:       []byte(`{"a":1}`),
	}
	fields := encodeFields(msg)
	require.Len(t, fields, 8)

	// redis returns field values as strings
	vals := map[string]any{}
	for i := 0; i < len(fields); i += 2 {
		v := fields[i+1]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		vals[fields[i].(string)] = v
	}
	require.Equal(t, msg, decodeFields(vals))
}
