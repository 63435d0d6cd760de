package es

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/codewandler/esbus/ports/kv"
)

// CpStore persists the global sequence a projector has processed up to.
// A missing checkpoint reads as 0.
type CpStore interface {
	Get(ctx context.Context) (lastSeq uint64, err error)
	Set(ctx context.Context, lastSeq uint64) error
}

type InMemCpStore struct {
	mu sync.RWMutex
	v  uint64
}

func NewInMemCpStore() *InMemCpStore { return &InMemCpStore{} }

func (s *InMemCpStore) Get(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v, nil
}

func (s *InMemCpStore) Set(_ context.Context, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
	return nil
}

// KvCpStore keeps a checkpoint under one key of a kv.Store.
type KvCpStore struct {
	store kv.Store
	key   string
}

func NewKvCpStore(store kv.Store, key string) (*KvCpStore, error) {
	if store == nil || key == "" {
		return nil, fmt.Errorf("%w: kv store and key are required", ErrInvalidArgument)
	}
	return &KvCpStore{store: store, key: key}, nil
}

func (s *KvCpStore) Get(ctx context.Context) (uint64, error) {
	e, err := s.store.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get checkpoint %s: %w", s.key, err)
	}
	v, err := strconv.ParseUint(string(e.Data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse checkpoint %s: %w", s.key, err)
	}
	return v, nil
}

func (s *KvCpStore) Set(ctx context.Context, v uint64) error {
	return s.store.Put(ctx, s.key, kv.Entry{Data: []byte(strconv.FormatUint(v, 10))}, kv.PutOptions{})
}

var (
	_ CpStore = (*InMemCpStore)(nil)
	_ CpStore = (*KvCpStore)(nil)
)
