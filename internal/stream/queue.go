package stream

import "sync"

// Queue is a bounded single-run streaming queue with drop-oldest overflow.
// Pushes never block: when the buffer is full the oldest element is discarded
// to make room and Push reports the drop so the caller can emit a
// "stream.dropped" event. Consumers range over [Queue.C] until the queue is
// closed.
//
// Safe for concurrent use by one or more producers and consumers.
type Queue[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// NewQueue creates a queue holding at most capacity elements.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push appends v, discarding the oldest buffered element when full.
// It reports whether an element was dropped. Pushes after Close are
// discarded and reported as drops.
func (q *Queue[T]) Push(v T) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true
	}
	for {
		select {
		case q.ch <- v:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped = true
		default:
		}
	}
}

// PushBlocking appends v, waiting for room if necessary. Used for terminal
// elements that must never be dropped. Returns false if the queue is closed.
// Holding the lock while blocked is safe: the consumer drains q.ch without
// taking the lock, so progress does not depend on other producers.
func (q *Queue[T]) PushBlocking(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.ch <- v
	return true
}

// Close marks the queue complete. Buffered elements remain readable; the
// consumer's range loop ends once they are drained. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// C returns the consumer channel.
func (q *Queue[T]) C() <-chan T { return q.ch }
