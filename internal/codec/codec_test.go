package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONCodec(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	data, err := Default.Marshal(payload{Name: "a", N: 3})
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"a","n":3}`, string(data))

	var out payload
	require.NoError(t, Default.Unmarshal(data, &out))
	require.Equal(t, payload{Name: "a", N: 3}, out)
	require.Equal(t, "application/json", Default.ContentType())
}
