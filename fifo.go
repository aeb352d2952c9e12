package nvcodec

import (
	"context"
	"io"
	"sync"
	"time"
)

// fifo is a multi-producer multi-consumer queue with optional capacity.
// A capacity of zero means unbounded. Once closed, sends fail and receives
// drain the remaining items before reporting io.EOF.
type fifo[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool
	changed  chan struct{}
}

func newFifo[T any](capacity int) *fifo[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &fifo[T]{capacity: capacity, changed: make(chan struct{})}
}

// notify wakes every waiter. Must hold mu.
func (q *fifo[T]) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// send appends v, blocking while a bounded queue is full.
func (q *fifo[T]) send(ctx context.Context, v T) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.capacity == 0 || len(q.items) < q.capacity {
			q.items = append(q.items, v)
			q.notify()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		q.mu.Lock()
	}
}

// recv pops the oldest item. timeout <= 0 waits indefinitely. It returns
// ErrFrameTimeout when nothing arrived in time and io.EOF once the queue is
// closed and empty.
func (q *fifo[T]) recv(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	q.mu.Lock()
	for {
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.notify()
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, io.EOF
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline:
			return zero, ErrFrameTimeout
		case <-wait:
		}
		q.mu.Lock()
	}
}

// close marks the queue closed and reports whether this call closed it.
func (q *fifo[T]) close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	q.notify()
	return true
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
