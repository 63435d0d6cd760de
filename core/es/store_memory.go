package es

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
)

// InMemoryStore keeps the log in process memory, for tests and single-process use.
// A single mutex covers both the per-stream index and the global log, so the
// global sequence is assigned in the same critical section as the version check.
type InMemoryStore struct {
	log *slog.Logger

	mu      sync.RWMutex
	all     []Envelope
	streams map[string][]int // stream id -> indexes into all
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]int{},
	}
}

func (s *InMemoryStore) Append(
	ctx context.Context,
	streamID string,
	expected Version,
	events []Envelope,
) (*StoreAppendResult, error) {
	envs, err := PrepareAppend(streamID, expected, events)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.streams[streamID]
	current := Version(len(idx))
	if current != expected {
		return nil, fmt.Errorf(
			"%w: stream %s is at version %d, expected %d",
			ErrConcurrencyConflict, streamID, current, expected,
		)
	}

	for i := range envs {
		envs[i].Seq = uint64(len(s.all) + 1)
		idx = append(idx, len(s.all))
		s.all = append(s.all, envs[i])
	}
	s.streams[streamID] = idx

	last := envs[len(envs)-1]
	s.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		slog.Uint64("last_seq", last.Seq),
		slog.Int("num_events", len(envs)),
	)

	return &StoreAppendResult{Version: last.Version, LastSeq: last.Seq, Committed: envs}, nil
}

func (s *InMemoryStore) ReadStream(ctx context.Context, streamID string) iter.Seq2[Envelope, error] {
	return func(yield func(Envelope, error) bool) {
		s.mu.RLock()
		idx := s.streams[streamID]
		all := s.all
		s.mu.RUnlock()

		for _, i := range idx {
			if err := ctx.Err(); err != nil {
				yield(Envelope{}, err)
				return
			}
			if !yield(all[i], nil) {
				return
			}
		}
	}
}

func (s *InMemoryStore) ReadAll(ctx context.Context, fromSeq uint64) iter.Seq2[Envelope, error] {
	return func(yield func(Envelope, error) bool) {
		s.mu.RLock()
		all := s.all
		s.mu.RUnlock()

		start := 0
		if fromSeq > 1 {
			start = int(fromSeq - 1)
		}
		for i := start; i < len(all); i++ {
			if err := ctx.Err(); err != nil {
				yield(Envelope{}, err)
				return
			}
			if !yield(all[i], nil) {
				return
			}
		}
	}
}

var _ EventStore = (*InMemoryStore)(nil)
