package util

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// node is a single element of the queue's linked list
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Queue is an unbounded lock-free multi-producer single-consumer queue.
//
// Producers call Push from any goroutine. A single consumer drains the queue
// through Recv and reports every finished item with Done, which lets other
// goroutines wait for the queue to become idle via WaitIdle.
//
// Ordering between concurrent producers is the order in which their CAS on
// the tail succeeds. Items pushed by one goroutine are delivered in order.
type Queue[T any] struct {
	head    atomic.Pointer[node[T]]
	tail    atomic.Pointer[node[T]]
	out     chan T
	closed  atomic.Bool
	pending atomic.Int64

	abort     chan struct{}
	abortOnce sync.Once

	mu   sync.Mutex
	cond *sync.Cond
}

// NewQueue creates a queue and starts its delivery goroutine.
func NewQueue[T any]() *Queue[T] {
	sentinel := &node[T]{}

	q := &Queue[T]{
		out:   make(chan T),
		abort: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.deliver()
	return q
}

// Push appends v. It returns false if the queue is closed.
//
// Thread-safety: This method is safe for concurrent use
func (q *Queue[T]) Push(v T) bool {
	if q.closed.Load() {
		return false
	}

	n := &node[T]{value: v}
	q.pending.Add(1)

	var spins uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// another producer may already have advanced the tail for us
				q.tail.CompareAndSwap(tail, n)

				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			q.tail.CompareAndSwap(tail, next)
		}

		// spin briefly under low contention, then yield
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// deliver moves items from the linked list to the output channel
func (q *Queue[T]) deliver() {
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

			v := next.value
			q.head.Store(next)
			select {
			case q.out <- v:
			case <-q.abort:
				return
			}

			var zero T
			next.value = zero
		}

		if q.aborted() || (!delivered && q.closed.Load()) {
			return
		}

		if !delivered {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel the consumer reads from. It is closed once the
// queue is closed and drained.
func (q *Queue[T]) Recv() <-chan T {
	return q.out
}

// Done marks one received item as fully processed.
func (q *Queue[T]) Done() {
	q.pending.Add(-1)
}

// Pending returns the number of pushed items not yet marked Done.
func (q *Queue[T]) Pending() int64 {
	return q.pending.Load()
}

// WaitIdle blocks until every pushed item was marked Done or ctx ends. It
// returns at once on an aborted queue.
func (q *Queue[T]) WaitIdle(ctx context.Context) error {
	if q.pending.Load() <= 0 || q.aborted() {
		return nil
	}
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.abort:
			return nil
		case <-ticker.C:
			if q.pending.Load() <= 0 {
				return nil
			}
		}
	}
}

// Close stops accepting new items. Items already queued are still delivered.
func (q *Queue[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// Abort closes the queue and drops the items not yet received. Use it when
// the consumer is gone, Close would leave them waiting for a receiver.
func (q *Queue[T]) Abort() {
	q.closed.Store(true)
	q.abortOnce.Do(func() { close(q.abort) })
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *Queue[T]) aborted() bool {
	select {
	case <-q.abort:
		return true
	default:
		return false
	}
}

// IsClosed returns true if the queue is closed.
func (q *Queue[T]) IsClosed() bool {
	return q.closed.Load()
}
