package broadcast

import (
	"sync"
)

const DefaultQueueSize = 256

// Observer is one connected viewer as seen by the broadcaster: an identity
// and a bounded queue of encoded frames drained by its transport.
type Observer struct {
	id   string
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func NewObserver(id string, queueSize int) *Observer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Observer{
		id:   id,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

func (o *Observer) ID() string {
	return o.id
}

// Outbound yields frames in the order they were enqueued.
func (o *Observer) Outbound() <-chan []byte {
	return o.send
}

// Done is closed once the observer has been closed.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Enqueue never blocks. It returns false when the observer is closed or its
// queue is full.
func (o *Observer) Enqueue(frame []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.send <- frame:
		return true
	default:
		return false
	}
}

func (o *Observer) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
}
