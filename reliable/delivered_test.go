package reliable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveredSetSuppressesWithinTTL(t *testing.T) {
	s, err := newDeliveredSet(16, time.Minute)
	require.NoError(t, err)

	now := time.Now()
	assert.False(t, s.CheckAndRecord("peer", 1, now), "first delivery is fresh")
	assert.True(t, s.CheckAndRecord("peer", 1, now.Add(time.Second)), "within TTL is a duplicate")
}

func TestDeliveredSetExpires(t *testing.T) {
	s, err := newDeliveredSet(16, 100*time.Millisecond)
	require.NoError(t, err)

	now := time.Now()
	require.False(t, s.CheckAndRecord("peer", 1, now))

	// After the TTL the id is eligible for delivery again.
	assert.False(t, s.CheckAndRecord("peer", 1, now.Add(200*time.Millisecond)))
}

func TestDeliveredSetKeyedByPeer(t *testing.T) {
	s, err := newDeliveredSet(16, time.Minute)
	require.NoError(t, err)

	now := time.Now()
	require.False(t, s.CheckAndRecord("alice", 7, now))
	assert.False(t, s.CheckAndRecord("bob", 7, now), "same id from another peer is a distinct message")
	assert.True(t, s.CheckAndRecord("alice", 7, now))
}

func TestDeliveredSetBounded(t *testing.T) {
	s, err := newDeliveredSet(2, time.Minute)
	require.NoError(t, err)

	now := time.Now()
	require.False(t, s.CheckAndRecord("peer", 1, now))
	require.False(t, s.CheckAndRecord("peer", 2, now))
	require.False(t, s.CheckAndRecord("peer", 3, now)) // evicts id 1
	assert.Equal(t, 2, s.Len())

	// The evicted id is forgotten; memory stays bounded at the cost of a
	// possible re-delivery, which the TTL sizing is meant to make unlikely.
	assert.False(t, s.CheckAndRecord("peer", 1, now))
}
