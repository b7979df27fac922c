// Package events fans unsolicited inbound envelopes out to a registered
// listener. Delivery is decoupled from the socket read loop through a
// bounded queue serviced by a dedicated goroutine: a slow listener can
// never stall frame decoding. When the queue is full the oldest unconsumed
// event is dropped and the drop is counted; the read loop never blocks.
package events

import (
	"sync"

	"github.com/tickwire/tickwire/internal/protocol"
)

// DefaultQueueSize is the event queue capacity used when none is given.
const DefaultQueueSize = 1024

// Listener receives unsolicited envelopes in arrival order.
type Listener func(*protocol.Envelope)

// Dispatcher hands envelopes from the read loop to the listener.
type Dispatcher struct {
	mu       sync.RWMutex
	listener Listener

	queue  chan *protocol.Envelope
	onDrop func()

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher with the given queue capacity (zero
// selects DefaultQueueSize) and starts its delivery goroutine. onDrop, if
// non-nil, is called once per event discarded due to a full queue.
func NewDispatcher(queueSize int, onDrop func()) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		queue:   make(chan *protocol.Envelope, queueSize),
		onDrop:  onDrop,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// Subscribe registers the listener. Envelopes arriving while no listener is
// registered are discarded.
func (d *Dispatcher) Subscribe(l Listener) {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
}

// Publish enqueues an envelope for delivery. It never blocks: if the queue
// is full the oldest queued event is dropped to make room.
func (d *Dispatcher) Publish(env *protocol.Envelope) {
	for {
		select {
		case d.queue <- env:
			return
		default:
		}
		// Queue full: evict the oldest entry and retry. The delivery
		// goroutine may win the race for it, in which case room has
		// opened up either way.
		select {
		case <-d.queue:
			if d.onDrop != nil {
				d.onDrop()
			}
		default:
		}
	}
}

// Close stops the delivery goroutine and waits for it to exit. Queued but
// undelivered events are discarded. Close is idempotent.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.stop:
			return
		case env := <-d.queue:
			d.mu.RLock()
			l := d.listener
			d.mu.RUnlock()
			if l != nil {
				l(env)
			}
		}
	}
}
