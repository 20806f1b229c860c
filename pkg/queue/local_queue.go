package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// LocalQueue is an in-process bounded queue. Jobs are lost on restart; the
// reconciler re-enqueues documents that are still pending.
type LocalQueue struct {
	jobs      chan Job
	closeOnce sync.Once
	done      chan struct{}
}

// NewLocalQueue builds a queue holding at most capacity waiting jobs.
func NewLocalQueue(capacity int) *LocalQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &LocalQueue{
		jobs: make(chan Job, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue adds a job without blocking.
func (q *LocalQueue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.done:
		return ErrQueueFull
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume runs workers until ctx is done or the queue is closed.
func (q *LocalQueue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-q.done:
					return nil
				case job := <-q.jobs:
					handler(gctx, job)
				}
			}
		})
	}
	return g.Wait()
}

// Len reports the number of waiting jobs.
func (q *LocalQueue) Len() int {
	return len(q.jobs)
}

// Close stops consumers after their current job.
func (q *LocalQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
