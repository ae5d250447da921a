package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cwygoda/fetchd/internal/domain"
)

// Executor runs one episode for a delivered task.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) error
}

// Pool consumes the task queue with a fixed number of workers. Each
// task runs one job episode; a job never runs on two workers at once
// because exactly one task exists per episode.
type Pool struct {
	queue       domain.TaskQueue
	exec        Executor
	concurrency int
	log         *slog.Logger
}

// New creates a worker pool.
func New(queue domain.TaskQueue, exec Executor, concurrency int, log *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 2
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{queue: queue, exec: exec, concurrency: concurrency, log: log}
}

// Run blocks until ctx is cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("worker pool started", "workers", p.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}
	wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) consume(ctx context.Context, id int) {
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			p.log.Error("dequeue failed", "worker", id, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if err := p.exec.Execute(ctx, task); err != nil {
			// Not acked: the task is re-delivered after a restart.
			p.log.Error("episode aborted", "worker", id, "job", task.JobID, "episode", task.Episode, "error", err)
			continue
		}
		if err := p.queue.Ack(ctx, task); err != nil {
			p.log.Warn("ack failed", "worker", id, "job", task.JobID, "error", err)
		}
	}
}
