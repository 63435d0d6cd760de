package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/core/es/estests/domain"
)

func TestSubscription_validate(t *testing.T) {
	ok := Subscription{Name: "counter-view", Bindings: []Binding{BindingFor[domain.Incremented]()}}
	require.NoError(t, ok.Validate())
	require.Equal(t, []string{"Incremented"}, ok.RoutingKeys())

	d := ok.WithDefaults()
	require.Equal(t, DefaultLockDuration, d.LockDuration)
	require.Equal(t, DefaultMaxDeliveryCount, d.MaxDeliveryCount)

	for name, s := range map[string]Subscription{
		"no name":     {Bindings: ok.Bindings},
		"bad name":    {Name: "a b", Bindings: ok.Bindings},
		"no bindings": {Name: "x"},
		"duplicate":   {Name: "x", Bindings: []Binding{{EventType: "A"}, {EventType: "A"}}},
		"bad key":     {Name: "x", Bindings: []Binding{{EventType: "a.b"}}},
		"negative":    {Name: "x", Bindings: ok.Bindings, TTL: -time.Second},
		"negative n":  {Name: "x", Bindings: ok.Bindings, MaxDeliveryCount: -1},
	} {
		require.ErrorIs(t, s.Validate(), ErrInvalidConfig, name)
	}
}

func TestTopology_validate(t *testing.T) {
	sub := Subscription{Name: "a", Bindings: []Binding{{EventType: "A"}}}
	require.NoError(t, Topology{Root: "events", Subscriptions: []Subscription{sub}}.Validate())
	require.ErrorIs(t, Topology{Root: "", Subscriptions: nil}.Validate(), ErrInvalidConfig)
	require.ErrorIs(t, Topology{Root: "events", Subscriptions: []Subscription{sub, sub}}.Validate(), ErrInvalidConfig)
}

func TestSubscription_expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	msg := &Message{}
	msg.SetHeader(HeaderTimestamp, now.Add(-time.Minute).Format(time.RFC3339Nano))

	require.False(t, Subscription{}.Expired(msg, now), "no ttl")
	require.True(t, Subscription{TTL: 30 * time.Second}.Expired(msg, now))
	require.False(t, Subscription{TTL: 2 * time.Minute}.Expired(msg, now))
	require.False(t, Subscription{TTL: time.Second}.Expired(&Message{}, now), "no timestamp")
}
