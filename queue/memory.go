package queue

import (
	"context"
)

// MemoryQueue is a Queue backed by a buffered channel. It is safe for
// concurrent use.
type MemoryQueue struct {
	ch chan Task
}

// NewMemoryQueue creates a new queue with the given capacity
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		ch: make(chan Task, capacity),
	}
}

// Ensure MemoryQueue implements Queue
var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
