// Package inproc provides an in-memory datagram network for tests and
// examples. Links can be configured to drop, duplicate, or delay datagrams
// with a seeded random source, so unreliable-network behavior is
// reproducible.
package inproc

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/localrivet/gram/transport"
)

// ErrUnknownPeer is returned when sending to an address with no endpoint.
var ErrUnknownPeer = errors.New("unknown inproc peer")

// Network connects any number of named endpoints. The zero loss/duplication
// configuration delivers every datagram exactly once, synchronously.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	rng       *rand.Rand

	lossRate float64
	dupRate  float64
	delay    time.Duration
	async    bool
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithLossRate drops each datagram independently with probability p.
func WithLossRate(p float64) NetworkOption {
	return func(n *Network) {
		n.lossRate = p
	}
}

// WithDuplicationRate delivers each surviving datagram a second time with
// probability p.
func WithDuplicationRate(p float64) NetworkOption {
	return func(n *Network) {
		n.dupRate = p
	}
}

// WithDelay delays each delivery by d. Implies asynchronous delivery; with a
// nonzero delay datagrams sent close together may arrive reordered.
func WithDelay(d time.Duration) NetworkOption {
	return func(n *Network) {
		n.delay = d
		n.async = true
	}
}

// WithAsyncDelivery delivers datagrams on their own goroutines instead of
// synchronously inside Send.
func WithAsyncDelivery() NetworkOption {
	return func(n *Network) {
		n.async = true
	}
}

// WithSeed seeds the random source used for loss and duplication decisions.
func WithSeed(seed int64) NetworkOption {
	return func(n *Network) {
		n.rng = rand.New(rand.NewSource(seed))
	}
}

// NewNetwork creates an in-memory network.
func NewNetwork(options ...NetworkOption) *Network {
	n := &Network{
		endpoints: make(map[string]*Endpoint),
		rng:       rand.New(rand.NewSource(1)),
	}
	for _, option := range options {
		option(n)
	}
	return n
}

// Endpoint returns the transport bound to name, creating it on first use.
func (n *Network) Endpoint(name string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	ep, ok := n.endpoints[name]
	if !ok {
		ep = &Endpoint{network: n, name: name}
		n.endpoints[name] = ep
	}
	return ep
}

// Partition drops every datagram until Heal is called, regardless of the
// configured loss rate.
func (n *Network) Partition() {
	n.mu.Lock()
	n.lossRate = 1.0
	n.mu.Unlock()
}

// Heal restores delivery after Partition.
func (n *Network) Heal() {
	n.mu.Lock()
	n.lossRate = 0
	n.mu.Unlock()
}

// deliver routes one datagram, applying loss and duplication.
func (n *Network) deliver(data []byte, from, to string) error {
	n.mu.Lock()
	dst, ok := n.endpoints[to]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%q: %w", to, ErrUnknownPeer)
	}

	copies := 0
	if n.rng.Float64() >= n.lossRate {
		copies = 1
		if n.rng.Float64() < n.dupRate {
			copies = 2
		}
	}
	delay, async := n.delay, n.async
	n.mu.Unlock()

	for i := 0; i < copies; i++ {
		// Receivers get their own copy; senders may reuse their buffer.
		buf := make([]byte, len(data))
		copy(buf, data)

		if async {
			go func() {
				if delay > 0 {
					time.Sleep(delay)
				}
				dst.receive(buf, from)
			}()
		} else {
			dst.receive(buf, from)
		}
	}
	return nil
}

// Endpoint is one named peer on an inproc Network.
type Endpoint struct {
	transport.BaseTransport
	network *Network
	name    string

	mu      sync.Mutex
	started bool
}

// Name returns the address other endpoints use to reach this one.
func (e *Endpoint) Name() string { return e.name }

// Start marks the endpoint live. Datagrams arriving before Start are dropped.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	return nil
}

// Stop marks the endpoint down; subsequent inbound datagrams are dropped.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	return nil
}

// Send routes one datagram through the network.
func (e *Endpoint) Send(data []byte, to string) error {
	return e.network.deliver(data, e.name, to)
}

func (e *Endpoint) receive(data []byte, from string) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	_ = e.Dispatch(data, from)
}

var _ transport.Transport = (*Endpoint)(nil)
