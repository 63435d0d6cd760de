package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/core/es"
)

func TestEventStore_invalidStreamID(t *testing.T) {
	for _, id := range []string{"", "a b", "a.*", "a.>", ".a", "a.", "a..b"} {
		require.ErrorIs(t, checkStreamID(id), es.ErrInvalidArgument, id)
	}
	require.NoError(t, checkStreamID("acc.1"))
}

func TestSubjects(t *testing.T) {
	require.Equal(t, "esbus.bus.events.Incremented", routeSubject("events", "Incremented"))
	require.Equal(t, "Incremented", routingKeyOf("events", routeSubject("events", "Incremented")))
	require.Equal(t, "esbus.dlq.events.counter-view", dlqSubject("events", "counter-view"))
	require.NotEqual(t, rootStream("DLQ_x"), dlqStream("x"))
}

func TestCommitSeq(t *testing.T) {
	require.EqualValues(t, 7<<16, commitSeq(7, 0))
	require.EqualValues(t, 7<<16|3, commitSeq(7, 3))
	require.EqualValues(t, 7, commitMsgSeq(commitSeq(7, 3)))
	require.Less(t, commitSeq(7, MaxCommitEvents-1), commitSeq(8, 0))
}
