// Package fragment splits outbound messages into transport-sized fragments
// and reassembles inbound fragments back into messages.
package fragment

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/localrivet/gram/wire"
)

// ErrTooManyFragments is returned when a payload would not fit in the
// uint32 fragment-count space.
var ErrTooManyFragments = fmt.Errorf("message requires too many fragments")

// Split cuts payload into ceil(len/maxPayload) contiguous chunks, each
// wrapped in a data envelope sharing messageID and the total count, with
// ascending indices from 0. A zero-length payload yields exactly one
// fragment with an empty payload, so empty messages still round-trip and
// still require acknowledgement.
func Split(messageID uint64, payload []byte, maxPayload int) ([]wire.Envelope, error) {
	if maxPayload < 1 {
		return nil, fmt.Errorf("max fragment payload must be at least 1, got %d", maxPayload)
	}

	count := (len(payload) + maxPayload - 1) / maxPayload
	if count == 0 {
		count = 1
	}
	if uint64(count) > uint64(^uint32(0)) {
		return nil, ErrTooManyFragments
	}

	envs := make([]wire.Envelope, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		envs = append(envs, wire.Envelope{
			MessageID:     messageID,
			Kind:          wire.KindData,
			FragmentIndex: uint32(i),
			FragmentCount: uint32(count),
			Payload:       payload[start:end],
		})
	}
	return envs, nil
}

// IDSource generates message ids unique per outstanding send from this
// process. The high 32 bits are a per-process session identifier drawn from
// a random UUID, the low 32 bits a monotonically increasing counter, so ids
// never collide within any realistic retry window and restarted processes
// do not reuse ids from their previous life.
type IDSource struct {
	session uint64
	counter atomic.Uint32
}

// NewIDSource creates an IDSource with a fresh random session identifier.
func NewIDSource() *IDSource {
	id := uuid.New()
	return &IDSource{
		session: uint64(binary.BigEndian.Uint32(id[0:4])) << 32,
	}
}

// Next returns the next message id. Safe for concurrent use.
func (s *IDSource) Next() uint64 {
	return s.session | uint64(s.counter.Add(1))
}
