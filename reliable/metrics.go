package reliable

import (
	"sync"
	"time"
)

// maxRTTSamples bounds the window used for the average round-trip time.
const maxRTTSamples = 100

// Metrics is a snapshot of an endpoint's counters.
type Metrics struct {
	MessagesSent         int64 // reliable sends initiated
	MessagesAcked        int64 // sends resolved by an acknowledgement
	MessagesFailed       int64 // sends resolved by retry exhaustion
	MessagesCanceled     int64 // sends withdrawn by the caller
	MessagesDelivered    int64 // inbound messages handed to the application
	DuplicatesSuppressed int64 // inbound completions dropped as duplicates
	PacketsSent          int64 // data fragments transmitted, retries included
	PacketsRetransmitted int64 // data fragments re-transmitted on timeout
	AcksSent             int64
	AcksReceived         int64
	MalformedDropped     int64 // inbound buffers that failed to decode
	AverageRTT           time.Duration
}

// metricsState is the mutable counterpart of Metrics, owned by the endpoint.
type metricsState struct {
	mu sync.Mutex
	m  Metrics

	rtts []time.Duration
}

func (s *metricsState) add(update func(*Metrics)) {
	s.mu.Lock()
	update(&s.m)
	s.mu.Unlock()
}

// observeRTT folds one ack round-trip into the bounded average window.
func (s *metricsState) observeRTT(rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rtts = append(s.rtts, rtt)
	if len(s.rtts) > maxRTTSamples {
		s.rtts = s.rtts[1:]
	}

	var total time.Duration
	for _, d := range s.rtts {
		total += d
	}
	s.m.AverageRTT = total / time.Duration(len(s.rtts))
}

func (s *metricsState) snapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m
}
