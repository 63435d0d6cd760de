package sf

import "golang.org/x/sync/singleflight"

// Group deduplicates concurrent calls that share a key. While a call for a
// key is in flight, later callers wait for it and receive its result.
type Group[T any] struct {
	group singleflight.Group
}

// Result is the outcome of a call started by DoChan.
type Result[T any] struct {
	Val    T
	Err    error
	Shared bool
}

// Do runs fn once per key at a time. shared reports whether the result was
// handed to more than one caller.
func (g *Group[T]) Do(key string, fn func() (T, error)) (v T, shared bool, err error) {
	out, err, shared := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return v, shared, err
	}
	return out.(T), shared, nil
}

// DoChan is like Do but returns a channel that receives the result once it
// is ready. A caller that stops waiting does not cancel the call.
func (g *Group[T]) DoChan(key string, fn func() (T, error)) <-chan Result[T] {
	src := g.group.DoChan(key, func() (any, error) {
		return fn()
	})
	out := make(chan Result[T], 1)
	go func() {
		r := <-src
		res := Result[T]{Err: r.Err, Shared: r.Shared}
		if r.Err == nil {
			res.Val = r.Val.(T)
		}
		out <- res
	}()
	return out
}

// Forget drops the in-flight record for key so the next Do starts a new call.
func (g *Group[T]) Forget(key string) { g.group.Forget(key) }
