package scheduler

import (
	"runtime"
	"sync"

	"github.com/getsentry/sentry-go"
)

// Pool is a fixed set of workers running async tasks. A panicking task is recovered and reported
// to sentry without taking its worker down.
type Pool struct {
	queue chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts a pool with the given amount of workers. A non-positive amount uses one worker per CPU.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{queue: make(chan func(), workers*4)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for f := range p.queue {
		p.exec(f)
	}
}

func (p *Pool) exec(f func()) {
	defer sentry.Recover()
	f()
}

// Submit queues f to be run by a worker. Submit never blocks: if every worker is busy and the queue
// is full, f runs on a goroutine of its own. It returns false if the pool is closed.
func (p *Pool) Submit(f func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- f:
	default:
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.exec(f)
		}()
	}
	return true
}

// Close stops accepting tasks and waits for the queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}
