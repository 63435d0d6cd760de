package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esbus/core/es"
	"github.com/codewandler/esbus/core/es/estests"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(t.Context(), Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	estests.RunStoreSuite(t, func(t *testing.T) es.EventStore {
		return openTestStore(t, filepath.Join(t.TempDir(), "events.db"))
	})
}

func TestStore_reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	s := openTestStore(t, path)
	res, err := s.Append(t.Context(), "s1", 0, []es.Envelope{
		estests.NewEnvelope("Incremented", `{"inc":1}`),
		estests.NewEnvelope("Incremented", `{"inc":2}`),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// migrations run once, data survives
	s = openTestStore(t, path)
	envs, err := es.Collect(s.ReadStream(t.Context(), "s1"))
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.Equal(t, res.Committed, envs)

	_, err = s.Append(t.Context(), "s1", 2, []es.Envelope{estests.NewEnvelope("Renamed", `{"name":"x"}`)})
	require.NoError(t, err)
}

func TestOpen_invalid(t *testing.T) {
	_, err := Open(t.Context(), Config{})
	require.ErrorIs(t, err, es.ErrInvalidArgument)
}

func TestExtractUp(t *testing.T) {
	require.Equal(t, "\nCREATE x;\n", extractUp("-- +migrate Up\nCREATE x;\n-- +migrate Down\nDROP x;"))
	require.Equal(t, "CREATE y;", extractUp("CREATE y;"))
}
