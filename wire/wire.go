// Package wire defines the envelope carried in every datagram and its binary
// codec.
//
// The envelope layout is fixed-order big-endian:
//
//	MessageID      (8 bytes): Unique ID for the message
//	Kind           (1 byte):  0 = Data, 1 = Ack
//	FragmentIndex  (4 bytes): Index of this fragment
//	FragmentCount  (4 bytes): Total number of fragments
//	PayloadLength  (4 bytes): Length of the payload in bytes
//	Checksum       (4 bytes): CRC32 checksum of header and payload
//	Payload        (PayloadLength bytes)
//
// The checksum covers the 21 header bytes preceding it plus the payload, so a
// corrupted MessageID surfaces as ErrMalformedEnvelope rather than as a
// different message.
package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// HeaderSize is the size of the envelope header in bytes.
const HeaderSize = 25

// checksumOffset is where the CRC32 field sits inside the header.
const checksumOffset = 21

// Kind discriminates the two envelope types on the wire.
type Kind byte

const (
	// KindData carries one fragment of an application message.
	KindData Kind = 0

	// KindAck acknowledges a fully reassembled message. Only MessageID and
	// Kind are meaningful; FragmentIndex and FragmentCount are zero and the
	// payload is empty.
	KindAck Kind = 1
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// ErrMalformedEnvelope is returned when a buffer cannot be decoded as an
// envelope.
var ErrMalformedEnvelope = fmt.Errorf("malformed envelope")

// Envelope is the wire-level unit exchanged between peers: either one
// fragment of a data message or an acknowledgement.
type Envelope struct {
	MessageID     uint64
	Kind          Kind
	FragmentIndex uint32
	FragmentCount uint32
	Payload       []byte
}

// Ack builds an acknowledgement envelope for the given message id.
func Ack(messageID uint64) Envelope {
	return Envelope{MessageID: messageID, Kind: KindAck}
}

// Encode serializes the envelope. Encoding a well-formed envelope cannot
// fail, so no error is returned.
func Encode(env Envelope) []byte {
	buf := make([]byte, HeaderSize+len(env.Payload))
	binary.BigEndian.PutUint64(buf[0:8], env.MessageID)
	buf[8] = byte(env.Kind)
	binary.BigEndian.PutUint32(buf[9:13], env.FragmentIndex)
	binary.BigEndian.PutUint32(buf[13:17], env.FragmentCount)
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(env.Payload)))
	copy(buf[HeaderSize:], env.Payload)

	sum := crc32.NewIEEE()
	sum.Write(buf[:checksumOffset])
	sum.Write(env.Payload)
	binary.BigEndian.PutUint32(buf[checksumOffset:HeaderSize], sum.Sum32())
	return buf
}

// Decode parses an envelope from a buffer. Any byte-level corruption,
// truncation, or protocol violation is reported as ErrMalformedEnvelope; a
// corrupted buffer never decodes into a different, valid-looking envelope.
func Decode(data []byte) (Envelope, error) {
	if len(data) < HeaderSize {
		return Envelope{}, fmt.Errorf("buffer of %d bytes too small for header: %w", len(data), ErrMalformedEnvelope)
	}

	payloadLen := binary.BigEndian.Uint32(data[17:21])
	if int(payloadLen) != len(data)-HeaderSize {
		return Envelope{}, fmt.Errorf("payload length %d does not match buffer: %w", payloadLen, ErrMalformedEnvelope)
	}

	sum := crc32.NewIEEE()
	sum.Write(data[:checksumOffset])
	sum.Write(data[HeaderSize:])
	if sum.Sum32() != binary.BigEndian.Uint32(data[checksumOffset:HeaderSize]) {
		return Envelope{}, fmt.Errorf("checksum mismatch: %w", ErrMalformedEnvelope)
	}

	env := Envelope{
		MessageID:     binary.BigEndian.Uint64(data[0:8]),
		Kind:          Kind(data[8]),
		FragmentIndex: binary.BigEndian.Uint32(data[9:13]),
		FragmentCount: binary.BigEndian.Uint32(data[13:17]),
	}

	switch env.Kind {
	case KindData:
		if env.FragmentCount == 0 {
			return Envelope{}, fmt.Errorf("data envelope with zero fragment count: %w", ErrMalformedEnvelope)
		}
		if env.FragmentIndex >= env.FragmentCount {
			return Envelope{}, fmt.Errorf("fragment index %d >= count %d: %w", env.FragmentIndex, env.FragmentCount, ErrMalformedEnvelope)
		}
	case KindAck:
		// Only MessageID and Kind are meaningful for acks.
	default:
		return Envelope{}, fmt.Errorf("unknown envelope kind %d: %w", data[8], ErrMalformedEnvelope)
	}

	if payloadLen > 0 {
		env.Payload = make([]byte, payloadLen)
		copy(env.Payload, data[HeaderSize:])
	}
	return env, nil
}
