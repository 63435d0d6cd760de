package mgmt

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/core/bus"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	broker := bus.NewMemoryBroker()
	m, err := bus.NewTopologyManager(bus.TopologyConfig{
		Provisioner: broker,
		Topology: bus.Topology{Root: "events", Subscriptions: []bus.Subscription{{
			Name:     "billing",
			Bindings: []bus.Binding{{EventType: "OrderShipped"}, {EventType: "OrderPlaced"}},
		}, {
			Name:     "idle",
			Bindings: []bus.Binding{{EventType: "OrderPlaced"}},
		}}},
	})
	require.NoError(t, err)
	_, err = m.Configure(t.Context())
	require.NoError(t, err)
	_, err = broker.RemoveBinding(t.Context(), "events", "idle", bus.Binding{EventType: "OrderPlaced"})
	require.NoError(t, err)

	h, err := NewHandler(HandlerConfig{Provisioner: broker, User: "admin", Password: "secret"})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_ListBindings(t *testing.T) {
	srv := newServer(t)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/", User: "admin", Password: "secret"})
	require.NoError(t, err)

	bindings, err := c.ListBindings(t.Context(), "events", "billing")
	require.NoError(t, err)
	require.Equal(t, []bus.Binding{{EventType: "OrderPlaced"}, {EventType: "OrderShipped"}}, bindings)

	bindings, err = c.ListBindings(t.Context(), "events", "idle")
	require.NoError(t, err)
	require.Empty(t, bindings)

	_, err = c.ListBindings(t.Context(), "events", "missing")
	require.ErrorIs(t, err, bus.ErrNotFound)
}

func TestClient_unauthorized(t *testing.T) {
	srv := newServer(t)
	for _, cfg := range []ClientConfig{
		{BaseURL: srv.URL, User: "admin", Password: "wrong"},
		{BaseURL: srv.URL, User: "root", Password: "secret"},
		{BaseURL: srv.URL},
	} {
		c, err := NewClient(cfg)
		require.NoError(t, err)
		_, err = c.ListBindings(t.Context(), "events", "billing")
		require.ErrorIs(t, err, ErrUnauthorized)
	}
}

func TestHandler_responses(t *testing.T) {
	srv := newServer(t)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/queues/events/billing/bindings", nil)
	require.NoError(t, err)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, `Basic realm="esbus"`, res.Header.Get("WWW-Authenticate"))

	req.SetBasicAuth("admin", "secret")
	res, err = srv.Client().Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "application/json", res.Header.Get("Content-Type"))

	req, err = http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/queues/events/billing/bindings", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	res, err = srv.Client().Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestNewHandler_invalid(t *testing.T) {
	_, err := NewHandler(HandlerConfig{User: "a", Password: "b"})
	require.ErrorIs(t, err, bus.ErrInvalidConfig)
	_, err = NewHandler(HandlerConfig{Provisioner: bus.NewMemoryBroker()})
	require.ErrorIs(t, err, bus.ErrInvalidConfig)
}
