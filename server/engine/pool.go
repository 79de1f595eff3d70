// bounded task queue and fixed worker pool
package engine

import (
	"errors"
	"sync"
)

var (
	ErrQueueFull   = errors.New("task queue is full")
	ErrPoolClosed  = errors.New("pool is closed")
	ErrInvalidPool = errors.New("worker count and queue depth must be positive")
)

// Pool is a fixed set of workers fed by a bounded FIFO.
// The queue holds references (a *Session in the engine), never copies.
// res is an opaque handle (db pool or similar) passed through to every run call.
type Pool[T, R any] struct {
	jobs chan T
	run  func(task T, res R)
	res  R

	mu     sync.RWMutex // guards closed against Enqueue racing Close
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines right away, the pool never grows or shrinks after that.
func NewPool[T, R any](workers, depth int, res R, run func(task T, res R)) (*Pool[T, R], error) {
	if workers <= 0 || depth <= 0 || run == nil {
		return nil, ErrInvalidPool
	}

	p := &Pool[T, R]{
		jobs: make(chan T, depth),
		run:  run,
		res:  res,
	}

	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p, nil
}

// Enqueue never blocks: ErrQueueFull is backpressure the caller has to act on
func (p *Pool[T, R]) Enqueue(task T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool[T, R]) worker() {
	defer p.wg.Done()
	for task := range p.jobs {
		p.run(task, p.res)
	}
}

// Len is the number of queued tasks not yet picked by a worker
func (p *Pool[T, R]) Len() int {
	return len(p.jobs)
}

func (p *Pool[T, R]) Cap() int {
	return cap(p.jobs)
}

func (p *Pool[T, R]) Resource() R {
	return p.res
}

// Close stops accepting tasks, lets workers drain the queue and waits for them
func (p *Pool[T, R]) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
