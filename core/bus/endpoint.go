package bus

import (
	"fmt"
	"net/url"
)

const DefaultRoot = "events"

// Endpoint identifies a transport target. Key is the connection URI used as
// the pool key; Root is the routing root (exchange, topic or stream prefix)
// messages are published under.
type Endpoint struct {
	Key  string
	Root string
}

// ParseEndpoint reads a connection URI. The routing root is taken from
// rootOverride when set, else from the URI's root query parameter, else
// DefaultRoot. The root parameter is stripped from Key so endpoints that
// differ only by root share a connection.
func ParseEndpoint(uri, rootOverride string) (Endpoint, error) {
	if uri == "" {
		return Endpoint{}, fmt.Errorf("%w: endpoint uri is empty", ErrInvalidConfig)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: endpoint uri: %w", ErrInvalidConfig, err)
	}
	if u.Scheme == "" {
		return Endpoint{}, fmt.Errorf("%w: endpoint uri %q has no scheme", ErrInvalidConfig, uri)
	}

	q := u.Query()
	root := q.Get("root")
	q.Del("root")
	u.RawQuery = q.Encode()

	if rootOverride != "" {
		root = rootOverride
	}
	if root == "" {
		root = DefaultRoot
	}
	if !ValidName(root) {
		return Endpoint{}, fmt.Errorf("%w: invalid routing root %q", ErrInvalidConfig, root)
	}

	return Endpoint{Key: u.String(), Root: root}, nil
}
