package reliable

import "sync"

// Delivery tracks one in-flight reliable send. It resolves exactly once:
// with a nil error when the peer acknowledges the whole message, with
// ErrExhausted when retries run out, with ErrCanceled when the caller gives
// up, or with ErrClosed when the endpoint shuts down.
type Delivery struct {
	messageID uint64
	endpoint  *Endpoint

	mu     sync.Mutex
	err    error
	doneCh chan struct{}
	done   bool
}

func newDelivery(ep *Endpoint, messageID uint64) *Delivery {
	return &Delivery{
		messageID: messageID,
		endpoint:  ep,
		doneCh:    make(chan struct{}),
	}
}

// MessageID returns the wire-level id the message was sent under.
func (d *Delivery) MessageID() uint64 { return d.messageID }

// Done returns a channel closed when the delivery resolves.
func (d *Delivery) Done() <-chan struct{} { return d.doneCh }

// Err reports the outcome. It returns nil both for a successful delivery
// and for one that has not resolved yet; wait on Done first to tell them
// apart.
func (d *Delivery) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Cancel withdraws the pending send. The retry timer stops and no further
// retransmissions happen, but fragments already on the wire are not
// recalled — the peer may still reassemble and ack the message, which is
// harmless. Cancel after resolution is a no-op.
func (d *Delivery) Cancel() {
	d.endpoint.cancel(d)
}

// resolve settles the delivery. Later calls are ignored, so an ack racing a
// timeout cannot resolve twice.
func (d *Delivery) resolve(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.done = true
	d.err = err
	close(d.doneCh)
}
