// Package udp provides a UDP implementation of the gram datagram transport.
//
// The transport is a symmetric peer: it binds one local socket and can both
// send to and receive from any number of remote peers. It moves raw
// datagrams only — fragmentation, acknowledgement, and retries all live in
// the reliable package layered above it.
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/localrivet/gram/logx"
	"github.com/localrivet/gram/transport"
)

const (
	// DefaultMaxDatagramSize is the largest datagram we will read or write.
	// Set conservatively to avoid fragmentation at the IP layer.
	DefaultMaxDatagramSize = 1400

	// DefaultReadBufferSize is the default size of the socket read buffer.
	DefaultReadBufferSize = 1 << 16

	// DefaultWriteBufferSize is the default size of the socket write buffer.
	DefaultWriteBufferSize = 1 << 16

	// readDeadlineInterval bounds how long the read loop blocks before
	// re-checking for shutdown.
	readDeadlineInterval = 250 * time.Millisecond
)

// ErrNotStarted is returned when an operation is attempted before Start.
var ErrNotStarted = errors.New("udp transport not started")

// ErrDatagramTooLarge is returned when a buffer exceeds the maximum
// datagram size.
var ErrDatagramTooLarge = errors.New("datagram too large")

// Transport implements transport.Transport over a single UDP socket.
type Transport struct {
	transport.BaseTransport

	localAddr       string
	maxDatagramSize int
	readBufferSize  int
	writeBufferSize int
	logger          logx.Logger

	conn *net.UDPConn

	// Resolved peer addresses, so Send does not resolve on every call.
	peers   map[string]*net.UDPAddr
	peersMu sync.RWMutex

	doneCh    chan struct{}
	running   bool
	runningMu sync.Mutex
}

// Option configures a Transport.
type Option func(*Transport)

// WithLocalAddr sets the local address to bind, e.g. ":9000". Defaults to an
// ephemeral port on all interfaces.
func WithLocalAddr(addr string) Option {
	return func(t *Transport) {
		t.localAddr = addr
	}
}

// WithMaxDatagramSize sets the largest datagram read or written.
func WithMaxDatagramSize(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.maxDatagramSize = size
		}
	}
}

// WithReadBufferSize sets the socket read buffer size.
func WithReadBufferSize(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.readBufferSize = size
		}
	}
}

// WithWriteBufferSize sets the socket write buffer size.
func WithWriteBufferSize(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.writeBufferSize = size
		}
	}
}

// WithLogger sets the logger used for read-loop errors.
func WithLogger(logger logx.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport creates a UDP transport.
//
// Example:
//
//	tr := udp.NewTransport(udp.WithLocalAddr(":9000"))
//	tr.SetHandler(handleDatagram)
//	if err := tr.Start(); err != nil { ... }
func NewTransport(options ...Option) *Transport {
	t := &Transport{
		localAddr:       ":0",
		maxDatagramSize: DefaultMaxDatagramSize,
		readBufferSize:  DefaultReadBufferSize,
		writeBufferSize: DefaultWriteBufferSize,
		logger:          logx.NewNopLogger(),
		peers:           make(map[string]*net.UDPAddr),
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// Start binds the local socket and begins the read loop.
func (t *Transport) Start() error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if t.running {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", t.localAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve local UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	if err := conn.SetReadBuffer(t.readBufferSize); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set UDP read buffer size: %w", err)
	}
	if err := conn.SetWriteBuffer(t.writeBufferSize); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set UDP write buffer size: %w", err)
	}

	t.conn = conn
	t.doneCh = make(chan struct{})
	t.running = true

	go t.readLoop(conn, t.doneCh)
	return nil
}

// Stop closes the socket and halts the read loop.
func (t *Transport) Stop() error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if !t.running {
		return nil
	}

	close(t.doneCh)
	err := t.conn.Close()
	t.conn = nil
	t.running = false

	if err != nil {
		return fmt.Errorf("failed to close UDP socket: %w", err)
	}
	return nil
}

// LocalAddr reports the bound socket address. Useful when binding port 0.
func (t *Transport) LocalAddr() string {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()
	if t.conn == nil {
		return t.localAddr
	}
	return t.conn.LocalAddr().String()
}

// Send transmits one datagram to the peer at addr ("host:port").
func (t *Transport) Send(data []byte, to string) error {
	t.runningMu.Lock()
	conn := t.conn
	t.runningMu.Unlock()

	if conn == nil {
		return ErrNotStarted
	}
	if len(data) > t.maxDatagramSize {
		return fmt.Errorf("%d bytes exceeds maximum of %d: %w", len(data), t.maxDatagramSize, ErrDatagramTooLarge)
	}

	addr, err := t.resolvePeer(to)
	if err != nil {
		return err
	}

	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send datagram to %s: %w", to, err)
	}
	return nil
}

// resolvePeer returns the cached UDP address for a peer, resolving it on
// first use.
func (t *Transport) resolvePeer(to string) (*net.UDPAddr, error) {
	t.peersMu.RLock()
	addr, ok := t.peers[to]
	t.peersMu.RUnlock()
	if ok {
		return addr, nil
	}

	addr, err := net.ResolveUDPAddr("udp", to)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve peer address %q: %w", to, err)
	}

	t.peersMu.Lock()
	t.peers[to] = addr
	t.peersMu.Unlock()
	return addr, nil
}

// readLoop receives datagrams until the transport is stopped, dispatching
// each one to the registered handler.
func (t *Transport) readLoop(conn *net.UDPConn, done chan struct{}) {
	buffer := make([]byte, t.maxDatagramSize)

	for {
		select {
		case <-done:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readDeadlineInterval)); err != nil {
			t.logger.Warn("udp: failed to set read deadline: %v", err)
		}

		n, raddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-done:
				return
			default:
				t.logger.Warn("udp: read error: %v", err)
				continue
			}
		}
		if n == 0 {
			continue
		}

		// The read buffer is reused; hand the handler its own copy.
		data := make([]byte, n)
		copy(data, buffer[:n])

		from := raddr.String()
		t.peersMu.Lock()
		t.peers[from] = raddr
		t.peersMu.Unlock()

		if err := t.Dispatch(data, from); err != nil {
			t.logger.Warn("udp: dropping datagram from %s: %v", from, err)
		}
	}
}

var _ transport.Transport = (*Transport)(nil)
