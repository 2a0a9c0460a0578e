package codec

import (
	"errors"
	"testing"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type echo struct {
	Op   string            `json:"op"`
	Args map[string]string `json:"args,omitempty"`
	N    int               `json:"n"`
}

func TestJSONRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := echo{Op: "status", Args: map[string]string{"mode": "<full>"}, N: 3}
	b, err := Marshal(JSON{}, in)
	require.NoError(t, err)
	require.Contains(t, string(b), "<full>")

	var out echo
	require.NoError(t, Unmarshal(JSON{}, b, &out))
	require.Equal(t, in, out)
}

func TestUnmarshalEmptyPayload(t *testing.T) {
	testlog.Start(t)
	var out echo
	require.ErrorIs(t, Unmarshal(JSON{}, nil, &out), ErrEmptyPayload)
}

func TestDecodeMalformed(t *testing.T) {
	testlog.Start(t)
	var out echo
	err := Unmarshal(JSON{}, []byte("{not json"), &out)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrEmptyPayload))
}
