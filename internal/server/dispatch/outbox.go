package dispatch

import "sync"

// Outbox is the unbounded outbound channel owned by every peer connection.
// Handlers enqueue encrypted frames on it without ever touching the socket;
// the connection's writer goroutine drains it in FIFO order. Sending never
// blocks, which is what allows the dispatch core to push messages while
// holding map guards.
type Outbox struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool

	// notify wakes the single receiver; capacity 1 coalesces bursts.
	notify chan struct{}
}

// NewOutbox creates an empty, open outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		notify: make(chan struct{}, 1),
	}
}

// Send enqueues a frame. It never blocks and fails only after Close.
func (o *Outbox) Send(msg []byte) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOutboxClosed
	}
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}

	return nil
}

// Receive blocks until a frame is available and returns it, or returns
// false once the outbox is closed and fully drained. Only one goroutine may
// receive.
func (o *Outbox) Receive() ([]byte, bool) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			msg := o.queue[0]
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return msg, true
		}
		closed := o.closed
		o.mu.Unlock()

		if closed {
			return nil, false
		}

		<-o.notify
	}
}

// Close marks the outbox closed. Pending frames remain receivable; further
// sends fail. Closing twice is harmless.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Closed reports whether Close has been called.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
