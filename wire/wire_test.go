package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeData(t *testing.T) {
	env := Envelope{
		MessageID:     0xDEADBEEFCAFE,
		Kind:          KindData,
		FragmentIndex: 2,
		FragmentCount: 7,
		Payload:       []byte("hello over the wire"),
	}

	buf := Encode(env)
	require.Equal(t, HeaderSize+len(env.Payload), len(buf))

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, got.MessageID)
	assert.Equal(t, env.Kind, got.Kind)
	assert.Equal(t, env.FragmentIndex, got.FragmentIndex)
	assert.Equal(t, env.FragmentCount, got.FragmentCount)
	assert.True(t, bytes.Equal(env.Payload, got.Payload))
}

func TestEncodeDecodeEmptyPayload(t *testing.T) {
	env := Envelope{MessageID: 1, Kind: KindData, FragmentIndex: 0, FragmentCount: 1}

	got, err := Decode(Encode(env))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.MessageID)
	assert.Empty(t, got.Payload)
}

func TestEncodeDecodeAck(t *testing.T) {
	buf := Encode(Ack(42))
	require.Equal(t, HeaderSize, len(buf))

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, KindAck, got.Kind)
	assert.Equal(t, uint64(42), got.MessageID)
	assert.Equal(t, uint32(0), got.FragmentIndex)
	assert.Equal(t, uint32(0), got.FragmentCount)
}

func TestDecodeShortBuffer(t *testing.T) {
	for _, n := range []int{0, 1, HeaderSize - 1} {
		_, err := Decode(make([]byte, n))
		assert.ErrorIs(t, err, ErrMalformedEnvelope, "buffer of %d bytes", n)
	}
}

func TestDecodeTruncated(t *testing.T) {
	buf := Encode(Envelope{MessageID: 9, Kind: KindData, FragmentCount: 1, Payload: []byte("truncate me")})

	_, err := Decode(buf[:len(buf)-3])
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

// Flipping any single byte must surface as ErrMalformedEnvelope, never as a
// different valid envelope.
func TestDecodeCorruption(t *testing.T) {
	buf := Encode(Envelope{
		MessageID:     77,
		Kind:          KindData,
		FragmentIndex: 1,
		FragmentCount: 3,
		Payload:       []byte("abcdef"),
	})

	for i := range buf {
		corrupted := make([]byte, len(buf))
		copy(corrupted, buf)
		corrupted[i] ^= 0xFF

		_, err := Decode(corrupted)
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("flipped byte %d: expected ErrMalformedEnvelope, got %v", i, err)
		}
	}
}

func TestDecodeIndexOutOfRange(t *testing.T) {
	// Hand-build a checksummed buffer with index >= count.
	env := Envelope{MessageID: 5, Kind: KindData, FragmentIndex: 3, FragmentCount: 3}
	_, err := Decode(Encode(env))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	env = Envelope{MessageID: 5, Kind: KindData, FragmentIndex: 0, FragmentCount: 0}
	_, err = Decode(Encode(env))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestDecodeUnknownKind(t *testing.T) {
	env := Envelope{MessageID: 5, Kind: Kind(9), FragmentIndex: 0, FragmentCount: 1}
	_, err := Decode(Encode(env))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "data", KindData.String())
	assert.Equal(t, "ack", KindAck.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
