package reliable

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// deliveredKey identifies a completed message. The source address is part
// of the key because message ids are only unique per sender.
type deliveredKey struct {
	from      string
	messageID uint64
}

// deliveredSet remembers recently delivered messages so a retransmission
// whose ack was lost is re-acked but not re-delivered. The set is doubly
// bounded: entries age out after the TTL, and the LRU cache caps the entry
// count even under an adversarial flood of ids.
type deliveredSet struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
}

func newDeliveredSet(maxEntries int, ttl time.Duration) (*deliveredSet, error) {
	cache, err := lru.New(maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered set: %w", err)
	}
	return &deliveredSet{cache: cache, ttl: ttl}, nil
}

// CheckAndRecord reports whether the message was already delivered within
// the TTL. A fresh message is recorded with the given timestamp; an expired
// record is replaced and the message treated as fresh again.
func (s *deliveredSet) CheckAndRecord(from string, messageID uint64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deliveredKey{from: from, messageID: messageID}
	if v, ok := s.cache.Get(key); ok {
		if now.Sub(v.(time.Time)) <= s.ttl {
			return true
		}
	}
	s.cache.Add(key, now)
	return false
}

// Len reports the number of remembered deliveries, expired entries included.
func (s *deliveredSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
