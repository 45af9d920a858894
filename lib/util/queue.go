package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// CommandQueue is a lock-free multi-producer single-consumer queue.
//
// Features and Guarantees:
//
//   - Lock-Free Push: producers append with CAS operations, contention is handled with backoff
//   - Unbounded Size: Push never blocks, the queue grows as needed
//   - Single Consumer: items are delivered on the Recv() channel in the order in which the
//     producers' appends succeeded (the commit order). Under concurrent Push() calls this is
//     not necessarily the order in which Push() was called.
//   - Close drains: items pushed before Close are still delivered, then Recv() is closed
type CommandQueue[T any] struct {
	head    atomic.Pointer[queueNode[T]]
	tail    atomic.Pointer[queueNode[T]]
	out     chan *T
	closed  atomic.Bool
	pending atomic.Int64
	done    chan struct{}

	// mu and cond park the consumer while the queue is empty
	mu   sync.Mutex
	cond *sync.Cond
}

// queueNode is a single element of the linked list
type queueNode[T any] struct {
	value *T
	next  atomic.Pointer[queueNode[T]]
}

// NewCommandQueue creates a new queue and starts its delivery goroutine.
func NewCommandQueue[T any]() *CommandQueue[T] {
	// the list always starts with a sentinel node
	sentinel := &queueNode[T]{}

	q := &CommandQueue[T]{
		out:  make(chan *T),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.deliver()

	return q
}

// Push adds an item to the queue.
// Returns false if the item is nil or the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *CommandQueue[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &queueNode[T]{value: value}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// may fail if another producer already advanced the tail, which is fine
				q.tail.CompareAndSwap(tail, n)
				q.pending.Add(1)

				// signal under the lock, otherwise the wakeup can get lost between
				// the consumer's emptiness check and its Wait()
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin a little at low contention, yield afterward
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// deliver moves items from the linked list to the output channel until the queue is closed and empty.
func (q *CommandQueue[T]) deliver() {
	defer close(q.done)
	defer close(q.out)

	for {
		head := q.head.Load()
		next := head.next.Load()

		if next != nil {
			value := next.value
			q.head.Store(next)
			q.out <- value
			q.pending.Add(-1)
			// the node is the new sentinel, drop its value for the gc
			next.value = nil
			continue
		}

		if q.closed.Load() {
			return
		}

		q.mu.Lock()
		if q.head.Load().next.Load() == nil && !q.closed.Load() {
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv returns the channel on which the consumer receives the items.
// The channel is closed once the queue is closed and all items were delivered.
func (q *CommandQueue[T]) Recv() <-chan *T {
	return q.out
}

// Close closes the queue for producers.
// Items already in the queue are still delivered to the consumer.
func (q *CommandQueue[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// Done is closed after the last item has been handed to the consumer and Recv() was closed.
func (q *CommandQueue[T]) Done() <-chan struct{} {
	return q.done
}

// IsClosed returns true if the queue is closed.
func (q *CommandQueue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of items pushed but not yet received by the consumer.
func (q *CommandQueue[T]) Len() int {
	return int(q.pending.Load())
}
