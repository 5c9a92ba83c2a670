package inproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverySynchronous(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint("a")
	b := net.Endpoint("b")

	var got []byte
	var from string
	b.SetHandler(func(data []byte, f string) {
		got, from = data, f
	})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	require.NoError(t, a.Send([]byte("hi"), "b"))
	assert.Equal(t, []byte("hi"), got)
	assert.Equal(t, "a", from)
}

func TestUnknownPeer(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint("a")
	require.NoError(t, a.Start())

	err := a.Send([]byte("hi"), "nobody")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestTotalLossDropsEverything(t *testing.T) {
	net := NewNetwork(WithLossRate(1.0))
	a := net.Endpoint("a")
	b := net.Endpoint("b")

	delivered := 0
	b.SetHandler(func([]byte, string) { delivered++ })
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	for i := 0; i < 50; i++ {
		require.NoError(t, a.Send([]byte("x"), "b"))
	}
	assert.Zero(t, delivered)
}

func TestDuplication(t *testing.T) {
	net := NewNetwork(WithDuplicationRate(1.0), WithSeed(7))
	a := net.Endpoint("a")
	b := net.Endpoint("b")

	delivered := 0
	b.SetHandler(func([]byte, string) { delivered++ })
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	require.NoError(t, a.Send([]byte("x"), "b"))
	assert.Equal(t, 2, delivered)
}

func TestPartitionAndHeal(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint("a")
	b := net.Endpoint("b")

	delivered := 0
	b.SetHandler(func([]byte, string) { delivered++ })
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	net.Partition()
	require.NoError(t, a.Send([]byte("x"), "b"))
	assert.Zero(t, delivered)

	net.Heal()
	require.NoError(t, a.Send([]byte("x"), "b"))
	assert.Equal(t, 1, delivered)
}

func TestStoppedEndpointDropsInbound(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint("a")
	b := net.Endpoint("b")

	delivered := 0
	b.SetHandler(func([]byte, string) { delivered++ })
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	require.NoError(t, b.Stop())

	require.NoError(t, a.Send([]byte("x"), "b"))
	assert.Zero(t, delivered)
}
