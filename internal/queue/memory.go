package queue

import (
	"context"

	"github.com/cwygoda/fetchd/internal/domain"
)

// Memory is an in-process domain.TaskQueue. Used in tests and in
// single-binary deployments without redis; tasks do not survive a
// restart, but startup recovery re-enqueues any job left running.
type Memory struct {
	tasks chan domain.Task
}

// NewMemory creates an in-memory queue holding up to size tasks.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 256
	}
	return &Memory{tasks: make(chan domain.Task, size)}
}

// Enqueue adds a task, blocking if the buffer is full.
func (q *Memory) Enqueue(ctx context.Context, t domain.Task) error {
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a task arrives or ctx is done.
func (q *Memory) Dequeue(ctx context.Context) (domain.Task, error) {
	select {
	case t := <-q.tasks:
		return t, nil
	case <-ctx.Done():
		return domain.Task{}, ctx.Err()
	}
}

// Ack is a no-op: the buffer never re-delivers a dequeued task.
func (q *Memory) Ack(ctx context.Context, t domain.Task) error {
	return nil
}

// Len reports the number of buffered tasks.
func (q *Memory) Len() int {
	return len(q.tasks)
}
