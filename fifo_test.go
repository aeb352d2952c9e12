package nvcodec

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestFifoOrderAndClose(t *testing.T) {
	q := newFifo[int](0)
	for i := 0; i < 5; i++ {
		if err := q.send(context.Background(), i); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	if !q.close() {
		t.Fatal("first close reported already closed")
	}
	if q.close() {
		t.Error("second close reported closing")
	}
	if err := q.send(context.Background(), 9); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("send after close = %v, want ErrQueueClosed", err)
	}
	for i := 0; i < 5; i++ {
		v, err := q.recv(context.Background(), 0)
		if err != nil || v != i {
			t.Fatalf("recv = %d, %v, want %d", v, err, i)
		}
	}
	if _, err := q.recv(context.Background(), 0); !errors.Is(err, io.EOF) {
		t.Errorf("recv on drained queue = %v, want io.EOF", err)
	}
}

func TestFifoBoundedSendBlocks(t *testing.T) {
	q := newFifo[int](1)
	_ = q.send(context.Background(), 1)

	sent := make(chan error, 1)
	go func() { sent <- q.send(context.Background(), 2) }()
	select {
	case <-sent:
		t.Fatal("send on a full queue returned")
	case <-time.After(30 * time.Millisecond):
	}
	if v, ok := q.tryRecv(); !ok || v != 1 {
		t.Fatalf("tryRecv = %d, %v", v, ok)
	}
	if err := <-sent; err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if q.len() != 1 {
		t.Errorf("len = %d, want 1", q.len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.send(ctx, 3); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("send with expired ctx = %v", err)
	}
}

func TestFifoRecvTimeout(t *testing.T) {
	q := newFifo[string](0)
	if _, err := q.recv(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrFrameTimeout) {
		t.Errorf("recv = %v, want ErrFrameTimeout", err)
	}
	if _, ok := q.tryRecv(); ok {
		t.Error("tryRecv on empty queue succeeded")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.send(context.Background(), "x")
	}()
	v, err := q.recv(context.Background(), 2*time.Second)
	if err != nil || v != "x" {
		t.Errorf("recv = %q, %v", v, err)
	}
}

func TestFifoCloseWakesReceivers(t *testing.T) {
	q := newFifo[int](0)
	done := make(chan error, 1)
	go func() {
		_, err := q.recv(context.Background(), 0)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.close()
	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Errorf("recv = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake receiver")
	}
	if !q.isClosed() {
		t.Error("isClosed = false")
	}
}

// tryRecv pops the oldest item without blocking.
func (q *fifo[T]) tryRecv() (T, bool) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.notify()
	return v, true
}

func (q *fifo[T]) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
