package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esbus/core/es"
	"github.com/codewandler/esbus/core/pool"
	"github.com/codewandler/esbus/internal/codec"
	"github.com/codewandler/esbus/ports/kv"
)

const DefaultBucket = "esbus_checkpoints"

type KvConfig struct {
	Pool   *pool.Pool[*Conn]
	URL    string
	Bucket string
	// MaxBytes caps the bucket size. 0 means 1 MiB.
	MaxBytes int64
	Now      func() time.Time
}

// KvStore implements kv.Store on a JetStream key/value bucket. Entry TTLs
// are kept next to the value and checked on read.
type KvStore struct {
	pool   *pool.Pool[*Conn]
	url    string
	bucket string
	now    func() time.Time
}

type kvRecord struct {
	Data      []byte    `json:"data"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	if cfg.Pool == nil || cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats kv store needs a pool and url", es.ErrInvalidArgument)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = 1024 * 1024
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	err := cfg.Pool.Do(ctx, cfg.URL, func(c *Conn) error {
		_, err := c.JS.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:   bucket,
			Storage:  jetstream.FileStorage,
			MaxBytes: maxBytes,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ensure kv bucket %s: %w", bucket, err)
	}
	return &KvStore{pool: cfg.Pool, url: cfg.URL, bucket: bucket, now: now}, nil
}

func (k *KvStore) do(ctx context.Context, fn func(jetstream.KeyValue) error) error {
	return k.pool.Do(ctx, k.url, func(c *Conn) error {
		b, err := c.JS.KeyValue(ctx, k.bucket)
		if err != nil {
			return err
		}
		return fn(b)
	})
}

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	rec := kvRecord{Data: entry.Data}
	if opts.TTL > 0 {
		rec.ExpiresAt = k.now().Add(opts.TTL)
	}
	data, err := codec.Default.Marshal(rec)
	if err != nil {
		return err
	}
	return k.do(ctx, func(b jetstream.KeyValue) error {
		if _, err := b.Put(ctx, key, data); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		return nil
	})
}

func (k *KvStore) Get(ctx context.Context, key string) (entry kv.Entry, err error) {
	err = k.do(ctx, func(b jetstream.KeyValue) error {
		v, err := b.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.ErrNotFound
		} else if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		var rec kvRecord
		if err := codec.Default.Unmarshal(v.Value(), &rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if !rec.ExpiresAt.IsZero() && !k.now().Before(rec.ExpiresAt) {
			return kv.ErrNotFound
		}
		entry = kv.Entry{Data: rec.Data}
		return nil
	})
	return entry, err
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	return k.do(ctx, func(b jetstream.KeyValue) error {
		err := b.Delete(ctx, key)
		if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	})
}

var _ kv.Store = (*KvStore)(nil)
