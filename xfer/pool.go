package xfer

import (
	"context"
	"sync"
	"sync/atomic"
)

// WorkerPool runs jobs on a fixed number of goroutines. Submit hands a job
// directly to an idle worker and blocks while every worker is busy, so the
// pool caps concurrency without queueing work behind the caller's back.
type WorkerPool[T any] struct {
	jobs    chan T
	handle  func(T)
	size    int
	busy    atomic.Int64
	wg      sync.WaitGroup
	closing sync.Once
}

// NewWorkerPool starts workers goroutines, each calling handle for every
// job it receives. workers below 1 is treated as 1.
func NewWorkerPool[T any](workers int, handle func(T)) *WorkerPool[T] {
	if workers < 1 {
		workers = 1
	}
	pool := &WorkerPool[T]{
		jobs:   make(chan T),
		handle: handle,
		size:   workers,
	}
	pool.wg.Add(workers)
	for range workers {
		go pool.work()
	}
	return pool
}

func (p *WorkerPool[T]) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.busy.Add(1)
		p.handle(job)
		p.busy.Add(-1)
	}
}

// Submit blocks until a worker accepts job or ctx is done. It must not be
// called after Close.
func (p *WorkerPool[T]) Submit(ctx context.Context, job T) error {
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the number of workers.
func (p *WorkerPool[T]) Size() int {
	return p.size
}

// Busy returns the number of workers currently running a job.
func (p *WorkerPool[T]) Busy() int {
	return int(p.busy.Load())
}

// Close stops accepting jobs and waits for running jobs to finish.
// Idempotent.
func (p *WorkerPool[T]) Close() {
	p.closing.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}
