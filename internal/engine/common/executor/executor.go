// Package executor runs background tasks handed out by blacklists to their
// listeners. Listener work that can block (resync fetches, persistence,
// network publishes) must not run on the goroutine holding a blacklist's
// mutation lock, so it is submitted here instead.
package executor

import (
	"sync"

	"github.com/haukened/rr-blacklist/internal/engine/common/log"
)

// Executor accepts fire-and-forget tasks.
type Executor interface {
	Submit(task func())
}

// Pool is a fixed-size worker pool with a bounded queue. Submit blocks when
// the queue is full. Tasks submitted after Close are dropped.
type Pool struct {
	mu     sync.RWMutex
	tasks  chan func()
	closed bool
	wg     sync.WaitGroup
	logger log.Logger
}

// NewPool starts workers goroutines (at least one) draining a queue of
// queueSize tasks.
func NewPool(workers, queueSize int, logger log.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		tasks:  make(chan func(), queueSize),
		logger: logger,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Submit queues task for execution.
func (p *Pool) Submit(task func()) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Debug(nil, "executor closed, dropping task")
		return
	}
	p.tasks <- task
}

// Close stops accepting tasks, lets queued tasks finish, and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

// run isolates a panicking task so one bad listener cannot take a worker down.
func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(map[string]any{"panic": r}, "background task panicked")
		}
	}()
	task()
}

// Inline runs every task on the submitting goroutine. Used in tests and by
// callers that want deterministic ordering.
type Inline struct{}

func (Inline) Submit(task func()) { task() }

var _ Executor = (*Pool)(nil)
var _ Executor = Inline{}
