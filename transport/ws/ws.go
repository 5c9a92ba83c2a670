// Package ws provides a WebSocket implementation of the gram datagram
// transport. One binary WebSocket frame carries exactly one datagram.
//
// WebSocket itself rides on TCP and will not normally drop or reorder
// frames, but a connection can die at any moment and take in-flight frames
// with it, so the reliable layer above remains responsible for end-to-end
// delivery. This transport exists for environments where raw UDP is not
// available (browser gateways, restrictive networks).
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/localrivet/gram/logx"
	"github.com/localrivet/gram/transport"
)

// DefaultShutdownTimeout is the default timeout for graceful server shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// ErrNotConnected is returned when sending on a client transport whose
// connection is gone.
var ErrNotConnected = errors.New("not connected")

// ErrUnknownPeer is returned by a server transport when sending to an
// address with no live connection.
var ErrUnknownPeer = errors.New("no connection for peer")

// Transport implements transport.Transport over WebSocket frames. The mode
// is inferred from the address: "ws://" or "wss://" URLs dial out as a
// client; anything else is a listen address for server mode.
type Transport struct {
	transport.BaseTransport
	addr     string
	isClient bool
	logger   logx.Logger

	server *http.Server

	// Server mode: live connections keyed by remote address.
	conns   map[string]net.Conn
	connsMu sync.Mutex

	// Client mode.
	clientConn net.Conn
	clientMu   sync.Mutex

	doneCh chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger used for connection-level errors.
func WithLogger(logger logx.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport creates a WebSocket transport. A "ws://host/path" address
// dials as a client; a "host:port" address listens as a server.
func NewTransport(addr string, options ...Option) *Transport {
	t := &Transport{
		addr:     addr,
		isClient: strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://"),
		conns:    make(map[string]net.Conn),
		logger:   logx.NewNopLogger(),
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// Start dials the server (client mode) or begins listening (server mode).
func (t *Transport) Start() error {
	t.doneCh = make(chan struct{})

	if t.isClient {
		conn, _, _, err := ws.Dial(context.Background(), t.addr)
		if err != nil {
			return fmt.Errorf("websocket dial %s: %w", t.addr, err)
		}

		t.clientMu.Lock()
		t.clientConn = conn
		t.clientMu.Unlock()

		go t.readClientFrames(conn)
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleUpgrade)
	t.server = &http.Server{Addr: t.addr, Handler: mux}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("ws: listen on %s failed: %v", t.addr, err)
		}
	}()
	return nil
}

// Stop closes every connection and, in server mode, shuts the listener down.
func (t *Transport) Stop() error {
	if t.doneCh == nil {
		return nil // never started
	}
	select {
	case <-t.doneCh:
		return nil
	default:
		close(t.doneCh)
	}

	if t.isClient {
		t.clientMu.Lock()
		defer t.clientMu.Unlock()
		if t.clientConn != nil {
			err := t.clientConn.Close()
			t.clientConn = nil
			return err
		}
		return nil
	}

	t.connsMu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]net.Conn)
	t.connsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return t.server.Shutdown(ctx)
}

// Send transmits one datagram as a binary frame. In client mode the
// destination is always the dialed server and `to` is informational only; in
// server mode `to` selects the client connection.
func (t *Transport) Send(data []byte, to string) error {
	if t.isClient {
		t.clientMu.Lock()
		conn := t.clientConn
		t.clientMu.Unlock()
		if conn == nil {
			return ErrNotConnected
		}
		if err := wsutil.WriteClientMessage(conn, ws.OpBinary, data); err != nil {
			return fmt.Errorf("websocket write: %w", err)
		}
		return nil
	}

	t.connsMu.Lock()
	conn, ok := t.conns[to]
	t.connsMu.Unlock()
	if !ok {
		return fmt.Errorf("%q: %w", to, ErrUnknownPeer)
	}

	if err := wsutil.WriteServerMessage(conn, ws.OpBinary, data); err != nil {
		t.dropConn(to, conn)
		return fmt.Errorf("websocket write to %s: %w", to, err)
	}
	return nil
}

// handleUpgrade accepts one inbound WebSocket connection.
func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		t.logger.Warn("ws: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	peer := conn.RemoteAddr().String()
	t.connsMu.Lock()
	t.conns[peer] = conn
	t.connsMu.Unlock()

	go t.readServerFrames(conn, peer)
}

// readServerFrames dispatches frames from one client connection.
func (t *Transport) readServerFrames(conn net.Conn, peer string) {
	defer t.dropConn(peer, conn)

	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			select {
			case <-t.doneCh:
			default:
				t.logger.Debug("ws: connection from %s closed: %v", peer, err)
			}
			return
		}
		if op == ws.OpClose {
			return
		}
		if op == ws.OpBinary || op == ws.OpText {
			if err := t.Dispatch(msg, peer); err != nil {
				t.logger.Warn("ws: dropping frame from %s: %v", peer, err)
			}
		}
	}
}

// readClientFrames dispatches frames arriving from the server.
func (t *Transport) readClientFrames(conn net.Conn) {
	for {
		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			select {
			case <-t.doneCh:
			default:
				t.logger.Debug("ws: server connection closed: %v", err)
			}
			return
		}
		if op == ws.OpClose {
			return
		}
		if op == ws.OpBinary || op == ws.OpText {
			if err := t.Dispatch(msg, t.addr); err != nil {
				t.logger.Warn("ws: dropping frame: %v", err)
			}
		}
	}
}

func (t *Transport) dropConn(peer string, conn net.Conn) {
	conn.Close()
	t.connsMu.Lock()
	if t.conns[peer] == conn {
		delete(t.conns, peer)
	}
	t.connsMu.Unlock()
}

var _ transport.Transport = (*Transport)(nil)
