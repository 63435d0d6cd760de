package mgmt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/codewandler/esbus/core/bus"
	"github.com/codewandler/esbus/internal/codec"
)

type ClientConfig struct {
	// BaseURL of the management API, e.g. http://localhost:8081.
	BaseURL  string
	User     string
	Password string
	// HTTP defaults to http.DefaultClient.
	HTTP *http.Client
}

type Client struct {
	base       string
	user, pass string
	http       *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", bus.ErrInvalidConfig, cfg.BaseURL)
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		base: strings.TrimSuffix(cfg.BaseURL, "/"),
		user: cfg.User,
		pass: cfg.Password,
		http: hc,
	}, nil
}

// ListBindings returns the bindings of queue under root. A missing queue
// yields bus.ErrNotFound, rejected credentials ErrUnauthorized.
func (c *Client) ListBindings(ctx context.Context, root, queue string) ([]bus.Binding, error) {
	u := c.base + "/api/queues/" + url.PathEscape(root) + "/" + url.PathEscape(queue) + "/bindings"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Accept", codec.Default.ContentType())

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: queue %s/%s", bus.ErrNotFound, root, queue)
	default:
		var e errorResponse
		_ = codec.Default.Unmarshal(body, &e)
		return nil, fmt.Errorf("mgmt: unexpected status %d: %s", res.StatusCode, e.Error)
	}

	var out BindingsResponse
	if err := codec.Default.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode bindings: %w", err)
	}
	return out.Bindings, nil
}
