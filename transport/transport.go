// Package transport defines the datagram transport consumed by the reliable
// delivery layer.
//
// A Transport moves opaque byte buffers between string-keyed peer addresses
// with no guarantees: datagrams may be dropped, duplicated, reordered, or
// size-limited. Everything above (framing, retries, reassembly) is the
// responsibility of the reliable package.
package transport

import (
	"errors"
	"sync"
)

// Handler receives every datagram arriving on a transport, together with the
// address of the peer that sent it.
type Handler func(data []byte, from string)

// Transport is a raw datagram carrier. Implementations never interpret the
// buffers they move.
type Transport interface {
	// Start begins delivering inbound datagrams to the registered handler.
	Start() error

	// Stop shuts the transport down and releases its resources.
	Stop() error

	// Send transmits one datagram to the peer at the given address. A nil
	// error means the datagram was handed to the network, not that it
	// arrived.
	Send(data []byte, to string) error

	// SetHandler registers the receive callback. It must be called before
	// Start.
	SetHandler(handler Handler)
}

// ErrNoHandler is returned by Dispatch when no handler has been registered.
var ErrNoHandler = errors.New("no datagram handler set")

// BaseTransport provides the handler bookkeeping shared by transport
// implementations.
type BaseTransport struct {
	mu      sync.RWMutex
	handler Handler
}

// SetHandler registers the receive callback.
func (t *BaseTransport) SetHandler(handler Handler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Dispatch delivers one inbound datagram to the registered handler.
func (t *BaseTransport) Dispatch(data []byte, from string) error {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler == nil {
		return ErrNoHandler
	}
	handler(data, from)
	return nil
}
