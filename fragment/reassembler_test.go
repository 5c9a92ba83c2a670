package fragment

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gram/wire"
)

const testPeer = "10.0.0.1:9000"

func TestReassembleOutOfOrder(t *testing.T) {
	r := NewReassembler(time.Minute, 0, nil)

	envs, err := Split(5, []byte("abcdefghij"), 4)
	require.NoError(t, err)
	require.Len(t, envs, 3)

	// Deliver in order 2, 0, 1.
	for _, i := range []int{2, 0} {
		msg, err := r.Add(envs[i], testPeer)
		require.NoError(t, err)
		assert.Nil(t, msg)
	}
	msg, err := r.Add(envs[1], testPeer)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefghij"), msg)
	assert.Equal(t, 0, r.Len(), "entry should be removed on completion")
}

func TestReassembleAllPermutations(t *testing.T) {
	payload := []byte("the quick brown fox")
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	for _, perm := range perms {
		t.Run(fmt.Sprintf("%v", perm), func(t *testing.T) {
			r := NewReassembler(time.Minute, 0, nil)
			envs, err := Split(1, payload, 7)
			require.NoError(t, err)
			require.Len(t, envs, 3)

			var msg []byte
			for _, i := range perm {
				var err error
				var got []byte
				got, err = r.Add(envs[i], testPeer)
				require.NoError(t, err)
				if got != nil {
					msg = got
				}
			}
			assert.True(t, bytes.Equal(payload, msg))
		})
	}
}

func TestReassembleIdempotentDuplicates(t *testing.T) {
	r := NewReassembler(time.Minute, 0, nil)
	envs, err := Split(9, []byte("abcdefgh"), 3)
	require.NoError(t, err)
	require.Len(t, envs, 3)

	// Feed fragment 0 three times; it must never count as three fragments.
	for i := 0; i < 3; i++ {
		msg, err := r.Add(envs[0], testPeer)
		require.NoError(t, err)
		assert.Nil(t, msg)
	}

	msg, err := r.Add(envs[1], testPeer)
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = r.Add(envs[2], testPeer)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), msg)
}

func TestReassembleCountMismatch(t *testing.T) {
	r := NewReassembler(time.Minute, 0, nil)

	_, err := r.Add(wire.Envelope{MessageID: 3, Kind: wire.KindData, FragmentIndex: 0, FragmentCount: 4, Payload: []byte("a")}, testPeer)
	require.NoError(t, err)

	_, err = r.Add(wire.Envelope{MessageID: 3, Kind: wire.KindData, FragmentIndex: 1, FragmentCount: 5, Payload: []byte("b")}, testPeer)
	assert.ErrorIs(t, err, ErrFragmentCountMismatch)
	assert.Equal(t, 0, r.Len(), "mismatching entry must be dropped")
}

func TestReassemblePeersIsolated(t *testing.T) {
	// Same message id from two peers must not mix.
	r := NewReassembler(time.Minute, 0, nil)
	envsA, _ := Split(11, []byte("aaaa"), 2)
	envsB, _ := Split(11, []byte("bbbb"), 2)

	_, err := r.Add(envsA[0], "peerA")
	require.NoError(t, err)
	_, err = r.Add(envsB[0], "peerB")
	require.NoError(t, err)

	msg, err := r.Add(envsA[1], "peerA")
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaa"), msg)

	msg, err = r.Add(envsB[1], "peerB")
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbb"), msg)
}

func TestSweepExpired(t *testing.T) {
	ttl := 50 * time.Millisecond
	r := NewReassembler(ttl, 0, nil)

	envs, err := Split(2, []byte("abcdefgh"), 4)
	require.NoError(t, err)
	_, err = r.Add(envs[0], testPeer)
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	// Not yet expired.
	assert.Equal(t, 0, r.SweepExpired(time.Now()))
	assert.Equal(t, 1, r.Len())

	// Past the TTL the partial entry is gone.
	assert.Equal(t, 1, r.SweepExpired(time.Now().Add(ttl+time.Millisecond)))
	assert.Equal(t, 0, r.Len())

	// A late fragment for the same id starts a brand-new entry; the message
	// only completes once every fragment arrives again.
	msg, err := r.Add(envs[1], testPeer)
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = r.Add(envs[0], testPeer)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), msg)
}

func TestReassemblerEvictsOldestWhenFull(t *testing.T) {
	r := NewReassembler(time.Minute, 2, nil)

	add := func(id uint64) {
		t.Helper()
		_, err := r.Add(wire.Envelope{MessageID: id, Kind: wire.KindData, FragmentIndex: 0, FragmentCount: 2, Payload: []byte("x")}, testPeer)
		require.NoError(t, err)
	}

	add(1)
	time.Sleep(2 * time.Millisecond)
	add(2)
	time.Sleep(2 * time.Millisecond)
	add(3) // evicts id 1
	assert.Equal(t, 2, r.Len())

	// Completing id 1 now requires both fragments again; the second fragment
	// alone does not finish it.
	msg, err := r.Add(wire.Envelope{MessageID: 1, Kind: wire.KindData, FragmentIndex: 1, FragmentCount: 2, Payload: []byte("y")}, testPeer)
	require.NoError(t, err)
	assert.Nil(t, msg)
}
