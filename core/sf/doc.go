// Package sf provides a typed single-flight group.
//
// Only one execution of a function is in flight per key. Concurrent callers
// with the same key block until the first call completes and then share its
// result. The connection pool uses it so that a burst of first requests for
// an endpoint dials exactly once:
//
//	var g sf.Group[*nats.Conn]
//	nc, _, err := g.Do(url, func() (*nats.Conn, error) {
//	    return nats.Connect(url)
//	})
package sf
