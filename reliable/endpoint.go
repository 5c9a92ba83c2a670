// Package reliable implements acknowledged, retried, duplicate-suppressed
// message delivery on top of any unreliable datagram transport.
//
// An Endpoint fragments outbound messages to the transport's size limit,
// retransmits unacknowledged messages a bounded number of times, reassembles
// inbound fragments, and guarantees the application handler observes each
// message at most once even when the network duplicates packets or eats
// acknowledgements. Distinct messages are independent: no ordering holds
// between them.
package reliable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/localrivet/gram/fragment"
	"github.com/localrivet/gram/logx"
	"github.com/localrivet/gram/transport"
	"github.com/localrivet/gram/wire"
)

// ErrExhausted is returned when a message was retransmitted MaxRetries times
// without an acknowledgement. The send is over; callers may retry the whole
// message themselves.
var ErrExhausted = errors.New("delivery failed: retries exhausted")

// ErrTableFull is returned by SendAsync when MaxPendingEntries sends are
// already outstanding.
var ErrTableFull = errors.New("pending-send table full")

// ErrCanceled is the resolution of a delivery withdrawn via Cancel.
var ErrCanceled = errors.New("delivery canceled")

// ErrClosed is returned when the endpoint has been stopped.
var ErrClosed = errors.New("endpoint closed")

// Handler receives each inbound message exactly once, fully reassembled,
// with the sender's address. Handlers run on the transport's receive
// goroutine and should not block for long.
type Handler func(message []byte, from string)

// sendState tracks the lifecycle of one outbound message.
type sendState int

const (
	stateSending sendState = iota
	stateAwaitingAck
)

// pendingSend is the sender-side bookkeeping for one message awaiting
// acknowledgement.
type pendingSend struct {
	id               uint64
	to               string
	frames           [][]byte // encoded fragments, resent wholesale on retry
	retriesRemaining int
	deadline         time.Time
	firstSent        time.Time
	state            sendState
	delivery         *Delivery
}

// deadlineItem orders pending retries by deadline in the btree index.
type deadlineItem struct {
	at time.Time
	id uint64
}

func (a deadlineItem) Less(b btree.Item) bool {
	o := b.(deadlineItem)
	if a.at.Equal(o.at) {
		return a.id < o.id
	}
	return a.at.Before(o.at)
}

// Endpoint is a reliable messaging peer bound to one datagram transport.
type Endpoint struct {
	cfg    Config
	tr     transport.Transport
	logger logx.Logger

	ids       *fragment.IDSource
	reasm     *fragment.Reassembler
	delivered *deliveredSet

	handlerMu sync.RWMutex
	handler   Handler

	// mu guards pending, deadlines, and running. The retry goroutine, the
	// transport receive callback, and the public entry points all serialize
	// through it.
	mu        sync.Mutex
	pending   map[uint64]*pendingSend
	deadlines *btree.BTree
	running   bool

	wakeCh chan struct{}
	doneCh chan struct{}

	metrics metricsState
}

// New creates an endpoint over the given transport. The transport must not
// be started yet; the endpoint registers itself as the receive handler and
// starts the transport inside Start.
func New(tr transport.Transport, options ...Option) (*Endpoint, error) {
	cfg := DefaultConfig()
	for _, option := range options {
		option(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endpoint config: %w", err)
	}

	delivered, err := newDeliveredSet(cfg.MaxDeliveredEntries, cfg.DeliveredSetTTL)
	if err != nil {
		return nil, err
	}

	return &Endpoint{
		cfg:       cfg,
		tr:        tr,
		logger:    cfg.Logger,
		ids:       fragment.NewIDSource(),
		reasm:     fragment.NewReassembler(cfg.ReassemblyTTL, cfg.MaxReassemblyEntries, cfg.Logger),
		delivered: delivered,
		pending:   make(map[uint64]*pendingSend),
		deadlines: btree.New(2),
		wakeCh:    make(chan struct{}, 1),
	}, nil
}

// SetHandler registers the application callback for inbound messages.
func (e *Endpoint) SetHandler(h Handler) {
	e.handlerMu.Lock()
	e.handler = h
	e.handlerMu.Unlock()
}

// Metrics returns a snapshot of the endpoint's counters.
func (e *Endpoint) Metrics() Metrics {
	return e.metrics.snapshot()
}

// Pending reports the number of outstanding unacknowledged sends.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Start starts the transport, the retry timer, and the reassembly sweeper.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.doneCh = make(chan struct{})
	done := e.doneCh
	e.mu.Unlock()

	e.tr.SetHandler(e.handleDatagram)
	if err := e.tr.Start(); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("failed to start transport: %w", err)
	}

	go e.retryLoop(done)
	go e.sweepLoop(done)
	return nil
}

// Stop shuts the endpoint down. Every outstanding delivery resolves with
// ErrClosed.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.doneCh)

	orphans := make([]*Delivery, 0, len(e.pending))
	for _, ps := range e.pending {
		orphans = append(orphans, ps.delivery)
	}
	e.pending = make(map[uint64]*pendingSend)
	e.deadlines = btree.New(2)
	e.mu.Unlock()

	err := e.tr.Stop()

	for _, d := range orphans {
		d.resolve(ErrClosed)
	}

	if err != nil {
		return fmt.Errorf("failed to stop transport: %w", err)
	}
	return nil
}

// Send delivers payload to the peer and blocks until the peer acknowledges
// the whole message, retries are exhausted, or ctx is done. Cancelling the
// context withdraws the send; fragments already on the wire are unaffected.
func (e *Endpoint) Send(ctx context.Context, payload []byte, to string) error {
	d, err := e.SendAsync(payload, to)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		d.Cancel()
		return ctx.Err()
	case <-d.Done():
		return d.Err()
	}
}

// SendAsync starts a reliable send and returns immediately. The returned
// Delivery resolves when the entire message is acknowledged or definitively
// failed; the receiver acks once per completed message, not once per
// fragment.
func (e *Endpoint) SendAsync(payload []byte, to string) (*Delivery, error) {
	id := e.ids.Next()

	envs, err := fragment.Split(id, payload, e.cfg.MaxFragmentPayload)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, len(envs))
	for i, env := range envs {
		frames[i] = wire.Encode(env)
	}

	now := time.Now()
	d := newDelivery(e, id)
	ps := &pendingSend{
		id:               id,
		to:               to,
		frames:           frames,
		retriesRemaining: e.cfg.MaxRetries,
		deadline:         now.Add(e.cfg.RetryTimeout),
		firstSent:        now,
		state:            stateSending,
		delivery:         d,
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if len(e.pending) >= e.cfg.MaxPendingEntries {
		e.mu.Unlock()
		return nil, fmt.Errorf("%d sends outstanding: %w", e.cfg.MaxPendingEntries, ErrTableFull)
	}
	e.pending[id] = ps
	e.deadlines.ReplaceOrInsert(deadlineItem{at: ps.deadline, id: id})
	e.mu.Unlock()

	e.metrics.add(func(m *Metrics) { m.MessagesSent++ })
	e.transmit(frames, to, false)

	e.mu.Lock()
	ps.state = stateAwaitingAck
	e.mu.Unlock()

	e.wake()
	return d, nil
}

// cancel withdraws a pending send on behalf of its Delivery.
func (e *Endpoint) cancel(d *Delivery) {
	e.mu.Lock()
	ps, ok := e.pending[d.messageID]
	if ok && ps.delivery == d {
		delete(e.pending, d.messageID)
	} else {
		ok = false
	}
	e.mu.Unlock()

	if ok {
		e.metrics.add(func(m *Metrics) { m.MessagesCanceled++ })
		d.resolve(ErrCanceled)
	}
}

// transmit writes every fragment of a message to the transport. Transport
// errors are logged, not returned: the retry timer is the recovery path.
func (e *Endpoint) transmit(frames [][]byte, to string, retransmit bool) {
	for i, frame := range frames {
		if err := e.tr.Send(frame, to); err != nil {
			e.logger.Warn("failed to send fragment %d/%d to %s: %v", i+1, len(frames), to, err)
			continue
		}
		e.metrics.add(func(m *Metrics) {
			m.PacketsSent++
			if retransmit {
				m.PacketsRetransmitted++
			}
		})
	}
}

// wake nudges the retry loop after a new deadline is registered.
func (e *Endpoint) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// retryLoop owns the deadline index. On each due deadline it retransmits
// the whole fragment set (the receiver may have expired a partial
// reassembly) and either re-arms or, once retries run out, fails the send.
func (e *Endpoint) retryLoop(done chan struct{}) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		type resendOp struct {
			frames [][]byte
			to     string
		}
		var resends []resendOp
		var exhausted []*pendingSend

		e.mu.Lock()
		now := time.Now()
		wait := time.Duration(-1)
		for e.deadlines.Len() > 0 {
			item := e.deadlines.Min().(deadlineItem)
			if item.at.After(now) {
				wait = item.at.Sub(now)
				break
			}
			e.deadlines.DeleteMin()

			ps, ok := e.pending[item.id]
			if !ok {
				// Acked or canceled after this deadline was queued.
				continue
			}

			if ps.retriesRemaining > 0 {
				resends = append(resends, resendOp{frames: ps.frames, to: ps.to})
				ps.retriesRemaining--
			}
			if ps.retriesRemaining == 0 {
				delete(e.pending, item.id)
				exhausted = append(exhausted, ps)
			} else {
				ps.deadline = now.Add(e.cfg.RetryTimeout)
				e.deadlines.ReplaceOrInsert(deadlineItem{at: ps.deadline, id: item.id})
			}
		}
		e.mu.Unlock()

		for _, op := range resends {
			e.transmit(op.frames, op.to, true)
		}
		for _, ps := range exhausted {
			e.logger.Warn("message %d to %s failed after %d retries", ps.id, ps.to, e.cfg.MaxRetries)
			e.metrics.add(func(m *Metrics) { m.MessagesFailed++ })
			ps.delivery.resolve(ErrExhausted)
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-done:
			return
		case <-e.wakeCh:
			if timerC != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timerC:
		}
	}
}

// sweepLoop expires stale partial reassemblies, checking ten times per TTL.
func (e *Endpoint) sweepLoop(done chan struct{}) {
	interval := e.cfg.ReassemblyTTL / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.reasm.SweepExpired(time.Now())
		}
	}
}

// handleDatagram is the transport receive callback.
func (e *Endpoint) handleDatagram(data []byte, from string) {
	env, err := wire.Decode(data)
	if err != nil {
		e.metrics.add(func(m *Metrics) { m.MalformedDropped++ })
		e.logger.Warn("dropping %d-byte datagram from %s: %v", len(data), from, err)
		return
	}

	switch env.Kind {
	case wire.KindAck:
		e.handleAck(env.MessageID, from)
	case wire.KindData:
		e.handleData(env, from)
	}
}

// handleAck resolves the pending send for an acknowledged message. Acks for
// unknown ids are late or duplicated and silently ignored.
func (e *Endpoint) handleAck(messageID uint64, from string) {
	e.mu.Lock()
	ps, ok := e.pending[messageID]
	if ok {
		delete(e.pending, messageID)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("ignoring ack for unknown message %d from %s", messageID, from)
		return
	}

	rtt := time.Since(ps.firstSent)
	e.metrics.add(func(m *Metrics) {
		m.AcksReceived++
		m.MessagesAcked++
	})
	e.metrics.observeRTT(rtt)
	ps.delivery.resolve(nil)
}

// handleData feeds a fragment to the reassembler and, on completion,
// delivers the message at most once and acknowledges it.
func (e *Endpoint) handleData(env wire.Envelope, from string) {
	msg, err := e.reasm.Add(env, from)
	if err != nil {
		e.logger.Warn("dropping fragments of message %d from %s: %v", env.MessageID, from, err)
		return
	}
	if msg == nil {
		return
	}

	if e.delivered.CheckAndRecord(from, env.MessageID, time.Now()) {
		// Already delivered; the peer kept retransmitting, so its copy of
		// our ack was lost. Re-ack, but do not re-deliver.
		e.metrics.add(func(m *Metrics) { m.DuplicatesSuppressed++ })
		e.sendAck(env.MessageID, from)
		return
	}

	e.handlerMu.RLock()
	handler := e.handler
	e.handlerMu.RUnlock()
	if handler != nil {
		handler(msg, from)
	}
	e.metrics.add(func(m *Metrics) { m.MessagesDelivered++ })

	e.sendAck(env.MessageID, from)
}

// sendAck emits one acknowledgement for a fully reassembled message.
func (e *Endpoint) sendAck(messageID uint64, to string) {
	if err := e.tr.Send(wire.Encode(wire.Ack(messageID)), to); err != nil {
		e.logger.Warn("failed to ack message %d to %s: %v", messageID, to, err)
		return
	}
	e.metrics.add(func(m *Metrics) { m.AcksSent++ })
}
