// Package memory provides the bounded in-process export job queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/msgbridge/internal/job"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan job.Item
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan job.Item, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job into the queue, blocking while it is full, until the context ends
// or the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, item job.Item) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (job.Item, error) {
	select {
	case <-ctx.Done():
		return job.Item{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return job.Item{}, ErrClosed
	case item := <-q.ch:
		return item, nil
	}
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Buffered items are abandoned; it is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
