package fragment

import (
	"fmt"
	"sync"
	"time"

	"github.com/localrivet/gram/logx"
	"github.com/localrivet/gram/wire"
)

// ErrFragmentCountMismatch is returned when a fragment disagrees with the
// first-seen fragment count for its message id. A sender must never
// re-fragment the same id differently, so the whole entry is dropped.
var ErrFragmentCountMismatch = fmt.Errorf("fragment count mismatch")

// DefaultMaxEntries bounds the number of in-progress reassemblies kept at
// once when no explicit limit is configured.
const DefaultMaxEntries = 1024

// entryKey identifies one in-progress message. Keyed by source address as
// well as message id so two peers can never cross-contaminate each other's
// messages.
type entryKey struct {
	from      string
	messageID uint64
}

// entry accumulates the fragments of a single inbound message.
type entry struct {
	fragmentCount uint32
	parts         map[uint32][]byte
	createdAt     time.Time
}

// Reassembler accumulates inbound data fragments keyed by (source, message
// id), detects completion, and expires stale partial messages. It is safe
// for concurrent use.
type Reassembler struct {
	mu         sync.Mutex
	entries    map[entryKey]*entry
	ttl        time.Duration
	maxEntries int
	logger     logx.Logger
}

// NewReassembler creates a reassembler whose partial entries expire after
// ttl and whose table never exceeds maxEntries (the oldest entry is evicted
// to make room). A maxEntries of 0 uses DefaultMaxEntries.
func NewReassembler(ttl time.Duration, maxEntries int, logger logx.Logger) *Reassembler {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = logx.NewNopLogger()
	}
	return &Reassembler{
		entries:    make(map[entryKey]*entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// Add stores one data fragment. When the fragment completes its message the
// payloads are concatenated in index order, the entry is removed, and the
// reconstructed message is returned. An incomplete message returns (nil,
// nil). Re-received fragments overwrite their slot and are never counted
// twice.
func (r *Reassembler) Add(env wire.Envelope, from string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entryKey{from: from, messageID: env.MessageID}
	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= r.maxEntries {
			r.evictOldestLocked()
		}
		e = &entry{
			fragmentCount: env.FragmentCount,
			parts:         make(map[uint32][]byte),
			createdAt:     time.Now(),
		}
		r.entries[key] = e
	}

	if env.FragmentCount != e.fragmentCount {
		delete(r.entries, key)
		return nil, fmt.Errorf("message %d from %s: got count %d, first saw %d: %w",
			env.MessageID, from, env.FragmentCount, e.fragmentCount, ErrFragmentCountMismatch)
	}

	e.parts[env.FragmentIndex] = env.Payload

	if uint32(len(e.parts)) < e.fragmentCount {
		return nil, nil
	}

	var total int
	for _, p := range e.parts {
		total += len(p)
	}
	message := make([]byte, 0, total)
	for i := uint32(0); i < e.fragmentCount; i++ {
		message = append(message, e.parts[i]...)
	}
	delete(r.entries, key)
	return message, nil
}

// SweepExpired removes every entry older than the reassembly TTL, discarding
// its partial data. It returns the number of entries removed. The sender's
// retransmission is the recovery path for anything dropped here.
func (r *Reassembler) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int
	for key, e := range r.entries {
		if e.createdAt.Add(r.ttl).Before(now) {
			r.logger.Debug("reassembly of message %d from %s expired with %d/%d fragments",
				key.messageID, key.from, len(e.parts), e.fragmentCount)
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of in-progress reassemblies.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// evictOldestLocked drops the entry with the earliest createdAt. Caller
// holds r.mu.
func (r *Reassembler) evictOldestLocked() {
	var (
		oldestKey entryKey
		oldest    time.Time
		found     bool
	)
	for key, e := range r.entries {
		if !found || e.createdAt.Before(oldest) {
			oldestKey, oldest, found = key, e.createdAt, true
		}
	}
	if found {
		r.logger.Warn("reassembly table full, evicting oldest entry (message %d from %s)",
			oldestKey.messageID, oldestKey.from)
		delete(r.entries, oldestKey)
	}
}
