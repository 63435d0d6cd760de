// Package kv is a small key/value port. Projector checkpoints are kept in it;
// adapters/nats backs it with a JetStream bucket.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/codewandler/esbus/internal/codec"
)

var (
	ErrNotFound = errors.New("not found")
)

type Entry struct {
	Data []byte
}

type PutOptions struct {
	// TTL expires the entry after the given duration. Zero keeps it.
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
}

// Put encodes v with the default codec and stores it under key.
func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := codec.Default.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

// Get loads key and decodes it into a T.
func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = codec.Default.Unmarshal(entry.Data, &out)
	return
}
