package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue and Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded in-process FIFO. Enqueue never blocks, so
// producers on request paths are never held up by slow consumers.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	closed bool
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{wake: make(chan struct{})}
}

// Enqueue appends items in order.
func (q *Queue[T]) Enqueue(items ...T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, items...)
	q.broadcast()
	return nil
}

// Dequeue blocks until an item is available, the queue is closed and
// empty, or ctx is done.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Queued items can still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// broadcast wakes every waiting consumer. Callers hold q.mu.
func (q *Queue[T]) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
