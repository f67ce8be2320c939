package jobs

import (
	"context"
	"sync"
)

// Queue is the bounded FIFO admission point between the orchestrator and
// the worker pool.
//
// Enqueue never blocks: beyond capacity it returns ErrQueueFull, which the
// orchestrator surfaces as a quota error instead of stalling the caller.
// Dequeue blocks until an entry is available or the context is done.
//
// Fairness is strictly FIFO. Priority classes could be added by fronting
// several queues and selecting in dequeue order; the external contract
// (Enqueue/Dequeue of job IDs) would not change.
type Queue struct {
	ch chan string

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a queue holding at most capacity job IDs.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{ch: make(chan string, capacity)}
}

// Enqueue admits a job ID, or fails fast when the queue is full or closed.
func (q *Queue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue removes the oldest job ID, blocking until one is available.
// Returns ErrClosed once the queue is closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id, ok := <-q.ch:
		if !ok {
			return "", ErrClosed
		}
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of queued job IDs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops admission. Queued entries remain dequeuable until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
