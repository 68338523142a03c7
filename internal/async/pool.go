package async

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds the number of ops running concurrently. Excess
// callers wait in FIFO order (the semaphore hands out slots in arrival
// order). There is no timeout and no cancellation of in-flight work; the
// context only bounds the wait for a slot.
type WorkerPool struct {
	sem  *semaphore.Weighted
	size int64
}

// NewWorkerPool creates a pool admitting up to size concurrent ops.
func NewWorkerPool(size int64) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{sem: semaphore.NewWeighted(size), size: size}
}

// Do acquires a slot, runs op, and releases the slot.
func (p *WorkerPool) Do(ctx context.Context, op Op) (any, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker slot: %w", err)
	}
	defer p.sem.Release(1)
	return op()
}

// Size returns the pool's concurrency bound.
func (p *WorkerPool) Size() int64 { return p.size }

// Coordinator bundles the coordination primitives shared across the
// server. It is created once at startup and handed to each component.
type Coordinator struct {
	Queues  *QueueSet
	Singles *Singletons
}

// NewCoordinator creates the shared coordination service.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		Queues:  NewQueueSet(),
		Singles: NewSingletons(),
	}
}
