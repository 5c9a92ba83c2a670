package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchWithoutHandler(t *testing.T) {
	var bt BaseTransport
	err := bt.Dispatch([]byte("x"), "peer")
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestDispatchInvokesHandler(t *testing.T) {
	var bt BaseTransport

	var gotData []byte
	var gotFrom string
	bt.SetHandler(func(data []byte, from string) {
		gotData, gotFrom = data, from
	})

	require.NoError(t, bt.Dispatch([]byte("payload"), "10.1.2.3:4"))
	assert.Equal(t, []byte("payload"), gotData)
	assert.Equal(t, "10.1.2.3:4", gotFrom)
}
