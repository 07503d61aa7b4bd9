package util

import (
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Lock-free Multi-Producer Single-Consumer queue
// --------------------------------------------------------------------------

// Features and Guarantees:
//
//   - Lock-Free pushes: producers only CAS the tail node, they never wait on the consumer
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - Single Consumer: values are delivered in push-completion order on the Recv() channel
//   - No Strict FIFO across producers: under concurrent Push() the order is decided by
//     which producer links its node first
//
// The epoch service uses it to collect drain actions from all worker goroutines, the
// record store uses it as the completion queue for pending reads.

type mpscNode[T any] struct {
	value *T
	next  atomic.Pointer[mpscNode[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue backed by a
// linked list with a sentinel head.
type LockFreeMPSC[T any] struct {
	head     atomic.Pointer[mpscNode[T]]
	tail     atomic.Pointer[mpscNode[T]]
	out      chan *T
	wake     chan struct{}
	consumer sync.WaitGroup
	closed   atomic.Bool
	inflight atomic.Int64
	pushed   atomic.Uint64
	consumed atomic.Uint64
}

// NewLockFreeMPSC creates a queue and starts its forwarding goroutine.
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &mpscNode[T]{}

	q := &LockFreeMPSC[T]{
		out:  make(chan *T),
		wake: make(chan struct{}, 1),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push adds an item to the queue.
// Returns false if value is nil or the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil {
		return false
	}
	// the consumer only exits once no push is in flight, a push that passes
	// the closed check below is always delivered
	q.inflight.Add(1)
	defer func() {
		q.inflight.Add(-1)
		q.signal()
	}()
	if q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	var backoff Backoff

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, n) {
				// a failed swing is fine, some other producer already helped
				q.tail.CompareAndSwap(tailNode, n)
				q.pushed.Add(1)
				return true
			}
		} else {
			// help a producer that linked its node but did not swing the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}
		backoff.Wait()
	}
}

// signal leaves a wake token for the consumer. The channel holds at most one
// token, so repeated signals collapse and no wakeup can be lost.
func (q *LockFreeMPSC[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *LockFreeMPSC[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		delivered := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true

			value := next.value
			q.head.Store(next)
			q.consumed.Add(1)
			q.out <- value
			next.value = nil
		}

		if !delivered {
			// inflight is read before the list: a push that starts later
			// already sees the queue closed
			if q.closed.Load() && q.inflight.Load() == 0 && q.head.Load().next.Load() == nil {
				return
			}
			<-q.wake
		}
	}
}

// Recv returns the channel the consumer reads from. It is closed once the
// queue is closed and every pushed item was delivered.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close prevents further pushes. Items already queued are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.signal()
}

// Wait blocks until the forwarding goroutine has exited, which requires Close
// and a consumer that drained Recv().
func (q *LockFreeMPSC[T]) Wait() {
	q.consumer.Wait()
}

// IsClosed returns true if the queue is closed.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of pushed items not yet dequeued by the forwarding goroutine.
// The value is approximate while producers are active.
func (q *LockFreeMPSC[T]) Len() int {
	pushed, consumed := q.pushed.Load(), q.consumed.Load()
	if consumed >= pushed {
		return 0
	}
	return int(pushed - consumed)
}
