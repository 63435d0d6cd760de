//go:build integration

package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/core/es"
	"github.com/codewandler/esbus/core/es/estests"
)

func TestEventStore_suite(t *testing.T) {
	url := NewTestContainer(t)
	p := NewTestPool(t)

	estests.RunStoreSuite(t, func(t *testing.T) es.EventStore {
		s, err := NewEventStore(t.Context(), EventStoreConfig{Pool: p, URL: url})
		require.NoError(t, err)
		return s
	})
}

func TestEventStore_commitIsOneMessage(t *testing.T) {
	url := NewTestContainer(t)
	p := NewTestPool(t)
	s, err := NewEventStore(t.Context(), EventStoreConfig{Pool: p, URL: url, StreamName: "ES_COMMITS", SubjectPrefix: "commits"})
	require.NoError(t, err)

	res, err := s.Append(t.Context(), "acc-1", 0, []es.Envelope{
		estests.NewEnvelope("Incremented", `{"inc":1}`),
		estests.NewEnvelope("Incremented", `{"inc":2}`),
	})
	require.NoError(t, err)
	require.Equal(t, commitMsgSeq(res.Committed[0].Seq), commitMsgSeq(res.Committed[1].Seq))
	require.Equal(t, res.Committed[0].Seq+1, res.Committed[1].Seq)

	c, err := p.Acquire(t.Context(), url)
	require.NoError(t, err)
	stream, err := c.JS.Stream(t.Context(), "ES_COMMITS")
	require.NoError(t, err)
	info, err := stream.Info(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 1, info.State.Msgs)
	require.Equal(t, []string{"commits.>"}, info.Config.Subjects)

	h, err := head(t.Context(), stream, "commits.acc-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, h.version)
	require.Equal(t, commitMsgSeq(res.LastSeq), h.seq)
	require.Equal(t, res.Committed[0].ID, h.commitID)
}

func TestEventStore_retriedCommitSucceeds(t *testing.T) {
	url := NewTestContainer(t)
	p := NewTestPool(t)
	s, err := NewEventStore(t.Context(), EventStoreConfig{Pool: p, URL: url})
	require.NoError(t, err)

	commit := []es.Envelope{
		estests.NewEnvelope("Incremented", `{"inc":1}`),
		estests.NewEnvelope("Incremented", `{"inc":2}`),
	}
	first, err := s.Append(t.Context(), "acc-1", 0, commit)
	require.NoError(t, err)

	// the same commit again, as after a connection drop past the store ack
	again, err := s.Append(t.Context(), "acc-1", 0, commit)
	require.NoError(t, err)
	require.Equal(t, first.Version, again.Version)
	require.Equal(t, first.LastSeq, again.LastSeq)

	envs, err := es.Collect(s.ReadStream(t.Context(), "acc-1"))
	require.NoError(t, err)
	require.Len(t, envs, 2)

	// a different commit at the same version still conflicts
	_, err = s.Append(t.Context(), "acc-1", 0, []es.Envelope{estests.NewEnvelope("Incremented", `{"inc":3}`)})
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
}
