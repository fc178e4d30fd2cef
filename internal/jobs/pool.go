package jobs

import (
	"log/slog"
	"sync"
)

// Pool is a fixed-size worker pool shared by all jobs in a process.
// Tasks are item processing closures; the pool neither knows nor cares
// which job a task belongs to.
type Pool struct {
	tasks    chan func()
	stopChan chan struct{}
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool

	workers sync.WaitGroup
	pending sync.WaitGroup
}

// NewPool spawns concurrency worker goroutines reading from a task
// queue of queueDepth
func NewPool(concurrency, queueDepth int, logger *slog.Logger) *Pool {
	p := &Pool{
		tasks:    make(chan func(), queueDepth),
		stopChan: make(chan struct{}),
		logger:   logger,
	}

	logger.Info("Spawning worker pool",
		slog.Int("concurrency", concurrency),
		slog.Int("queue_depth", queueDepth),
	)

	for i := 0; i < concurrency; i++ {
		p.workers.Add(1)
		go p.workerLoop(i)
	}

	return p
}

// workerLoop is the main processing loop for each worker goroutine
func (p *Pool) workerLoop(workerNum int) {
	defer p.workers.Done()

	for {
		select {
		case <-p.stopChan:
			p.logger.Debug("Worker goroutine stopping",
				slog.Int("worker_num", workerNum),
			)
			return

		case task := <-p.tasks:
			task()
			p.pending.Done()
		}
	}
}

// Submit queues a task for execution. It blocks while the queue is
// full and fails once Shutdown has begun.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShuttingDown
	}
	p.pending.Add(1)
	p.mu.Unlock()

	p.tasks <- task
	return nil
}

// Shutdown refuses further submissions and blocks until every queued
// task has completed
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.logger.Info("Worker pool draining")
	p.pending.Wait()

	close(p.stopChan)
	p.workers.Wait()
	p.logger.Info("Worker pool stopped")
}
