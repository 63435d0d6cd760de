// Package estests holds the EventStore conformance suite shared by every store
// implementation, plus the tests of the es package that need the test domain.
package estests

import (
	"fmt"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/core/es"
)

// NewEnvelope builds an unstored envelope of the given type.
func NewEnvelope(eventType string, data string) es.Envelope {
	return es.Envelope{
		ID:            gonanoid.Must(),
		Type:          eventType,
		AggregateType: "test_agg",
		OccurredAt:    time.Now().UTC().Truncate(time.Millisecond),
		Data:          []byte(data),
	}
}

func newEnvelopes(n int) []es.Envelope {
	out := make([]es.Envelope, n)
	for i := range out {
		out[i] = NewEnvelope("Incremented", fmt.Sprintf(`{"inc":%d}`, i+1))
	}
	return out
}

func streamID() string { return "s-" + gonanoid.Must(8) }

// RunStoreSuite checks the EventStore contract against stores made by newStore.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) es.EventStore) {
	t.Run("read missing stream", func(t *testing.T) {
		s := newStore(t)
		envs, err := es.Collect(s.ReadStream(t.Context(), streamID()))
		require.NoError(t, err)
		require.Empty(t, envs)
	})

	t.Run("append and read stream", func(t *testing.T) {
		s, id := newStore(t), streamID()

		res, err := s.Append(t.Context(), id, 0, newEnvelopes(3))
		require.NoError(t, err)
		require.NotNil(t, res)
		require.EqualValues(t, 3, res.Version)
		require.Len(t, res.Committed, 3)
		require.Equal(t, res.Committed[2].Seq, res.LastSeq)

		res, err = s.Append(t.Context(), id, 3, newEnvelopes(2))
		require.NoError(t, err)
		require.EqualValues(t, 5, res.Version)

		envs, err := es.Collect(s.ReadStream(t.Context(), id))
		require.NoError(t, err)
		require.Len(t, envs, 5)
		for i, e := range envs {
			require.Equal(t, es.Version(i+1), e.Version, "gapless ascending versions")
			require.Equal(t, id, e.StreamID)
			if i > 0 {
				require.Greater(t, e.Seq, envs[i-1].Seq)
			}
		}
		require.Equal(t, res.Committed[1].Seq, envs[4].Seq)
	})

	t.Run("envelope fields survive", func(t *testing.T) {
		s, id := newStore(t), streamID()
		in := NewEnvelope("Renamed", `{"name":"x"}`)
		in.CorrelationID = "corr-1"
		in.CausationID = "cause-1"
		in.Actor = "user-1"

		_, err := s.Append(t.Context(), id, 0, []es.Envelope{in})
		require.NoError(t, err)

		envs, err := es.Collect(s.ReadStream(t.Context(), id))
		require.NoError(t, err)
		require.Len(t, envs, 1)
		out := envs[0]
		require.Equal(t, in.ID, out.ID)
		require.Equal(t, in.Type, out.Type)
		require.Equal(t, in.AggregateType, out.AggregateType)
		require.Equal(t, "corr-1", out.CorrelationID)
		require.Equal(t, "cause-1", out.CausationID)
		require.Equal(t, "user-1", out.Actor)
		require.True(t, in.OccurredAt.Equal(out.OccurredAt))
		require.JSONEq(t, `{"name":"x"}`, string(out.Data))
	})

	t.Run("stale expected version conflicts", func(t *testing.T) {
		s, id := newStore(t), streamID()
		_, err := s.Append(t.Context(), id, 0, newEnvelopes(3))
		require.NoError(t, err)

		for _, expected := range []es.Version{0, 2, 4} {
			_, err = s.Append(t.Context(), id, expected, newEnvelopes(2))
			require.ErrorIs(t, err, es.ErrConcurrencyConflict, "expected=%d", expected)
		}

		envs, err := es.Collect(s.ReadStream(t.Context(), id))
		require.NoError(t, err)
		require.Len(t, envs, 3, "stream unchanged")
	})

	t.Run("invalid input", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(t.Context(), streamID(), 0, nil)
		require.ErrorIs(t, err, es.ErrNoEvents)

		_, err = s.Append(t.Context(), "", 0, newEnvelopes(1))
		require.ErrorIs(t, err, es.ErrInvalidArgument)

		bad := newEnvelopes(1)
		bad[0].Type = ""
		_, err = s.Append(t.Context(), streamID(), 0, bad)
		require.ErrorIs(t, err, es.ErrInvalidArgument)
	})

	t.Run("read all in global order", func(t *testing.T) {
		s := newStore(t)
		a, b := streamID(), streamID()

		r1, err := s.Append(t.Context(), a, 0, newEnvelopes(2))
		require.NoError(t, err)
		r2, err := s.Append(t.Context(), b, 0, newEnvelopes(2))
		require.NoError(t, err)
		_, err = s.Append(t.Context(), a, 2, newEnvelopes(1))
		require.NoError(t, err)

		from := r1.Committed[0].Seq
		all, err := es.Collect(s.ReadAll(t.Context(), from))
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			require.Greater(t, all[i].Seq, all[i-1].Seq)
		}
		require.Equal(t, []string{a, a, b, b, a}, streamIDs(all))

		// starting in the middle skips what came before
		tail, err := es.Collect(s.ReadAll(t.Context(), r2.Committed[1].Seq))
		require.NoError(t, err)
		require.Equal(t, []string{b, a}, streamIDs(tail))

		// restartable
		again, err := es.Collect(s.ReadAll(t.Context(), from))
		require.NoError(t, err)
		require.Equal(t, all, again)
	})

	t.Run("early break", func(t *testing.T) {
		s, id := newStore(t), streamID()
		_, err := s.Append(t.Context(), id, 0, newEnvelopes(5))
		require.NoError(t, err)

		n := 0
		for _, err := range s.ReadStream(t.Context(), id) {
			require.NoError(t, err)
			n++
			if n == 2 {
				break
			}
		}
		require.Equal(t, 2, n)
	})

	t.Run("concurrent writers, one wins", func(t *testing.T) {
		s, id := newStore(t), streamID()
		_, err := s.Append(t.Context(), id, 0, newEnvelopes(3))
		require.NoError(t, err)

		const N = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		wg.Add(N)
		for i := 0; i < N; i++ {
			go func() {
				defer wg.Done()
				_, err := s.Append(t.Context(), id, 3, newEnvelopes(2))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errorsIsConflict(err):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, ok)
		require.Equal(t, N-1, conflicts)

		envs, err := es.Collect(s.ReadStream(t.Context(), id))
		require.NoError(t, err)
		require.Len(t, envs, 5)
	})
}

func streamIDs(envs []es.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.StreamID
	}
	return out
}
