package splitmap

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WorkerPool runs jobs on a fixed number of goroutines.
//
// Jobs are queued without bound and picked up in FIFO order. Join waits
// until every job submitted so far has finished, without stopping the
// workers, so a pool can be used as a reusable barrier. Close finishes the
// queued jobs, stops the workers and waits for them to exit.
type WorkerPool struct {
	mu    sync.Mutex
	ready *sync.Cond // signalled when a job is queued or the pool closes
	idle  *sync.Cond // signalled when pending drops to zero

	queue   []func()
	pending int // queued plus running jobs
	closed  bool

	group  errgroup.Group
	logger *slog.Logger
}

// PoolConfig defines configurable WorkerPool options.
type PoolConfig struct {
	logger *slog.Logger
}

// WithPoolLogger sets the logger used for worker lifecycle events.
// By default the pool logs nothing.
func WithPoolLogger(logger *slog.Logger) func(*PoolConfig) {
	return func(c *PoolConfig) {
		c.logger = logger
	}
}

// NewWorkerPool starts a pool of size workers. It panics if size is not
// positive.
func NewWorkerPool(size int, options ...func(*PoolConfig)) *WorkerPool {
	if size <= 0 {
		panic("splitmap: worker pool size must be positive")
	}
	c := &PoolConfig{}
	for _, o := range options {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &WorkerPool{logger: c.logger}
	p.ready = sync.NewCond(&p.mu)
	p.idle = sync.NewCond(&p.mu)
	for id := range size {
		p.group.Go(func() error {
			p.work(id)
			return nil
		})
	}
	p.logger.Info("worker pool started", "workers", size)
	return p
}

func (p *WorkerPool) work(id int) {
	ctx := context.Background()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.ready.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			p.logger.DebugContext(ctx, "worker terminating", "worker", id)
			return
		}
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.logger.DebugContext(ctx, "worker got a job", "worker", id)
		job()
		p.finish()
	}
}

func (p *WorkerPool) finish() {
	p.mu.Lock()
	p.pending--
	if p.pending == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}

// Execute queues f to run on one of the workers. It panics if the pool is
// closed.
func (p *WorkerPool) Execute(f func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		panic("splitmap: Execute on closed WorkerPool")
	}
	p.queue = append(p.queue, f)
	p.pending++
	p.mu.Unlock()
	p.ready.Signal()
}

// Join blocks until every job executed so far has finished.
func (p *WorkerPool) Join() {
	p.mu.Lock()
	for p.pending > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// Close runs the remaining queued jobs, stops the workers and waits for
// them to exit. Calling Close more than once is a no-op.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.ready.Broadcast()

	_ = p.group.Wait()
	p.logger.Info("worker pool stopped")
}
