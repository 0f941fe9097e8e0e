package batching

import (
	"fmt"
	"sync"

	"github.com/samcharles93/batchd/internal/logger"
)

// rejectionPool resolves failed requests off the batching hot path.
// submit never blocks; tasks submitted after stop run inline.
type rejectionPool struct {
	log logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	wg     sync.WaitGroup
}

func newRejectionPool(workers int, log logger.Logger) *rejectionPool {
	p := &rejectionPool{log: log}
	p.cond = sync.NewCond(&p.mu)
	for range workers {
		p.wg.Go(p.work)
	}
	return p
}

func (p *rejectionPool) submit(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.run(task)
		return
	}
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *rejectionPool) work() {
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		p.mu.Unlock()
		p.run(task)
	}
}

func (p *rejectionPool) run(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("rejection task panicked", "panic", fmt.Sprint(rec))
		}
	}()
	task()
}

// stop runs every queued task and waits for the workers to exit.
func (p *rejectionPool) stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *rejectionPool) backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}
