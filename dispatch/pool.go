package dispatch

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// pool is a fixed set of background workers fed by an unbounded FIFO queue, so submitting never
// blocks the caller.
type pool struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	closing bool
	started bool
	// goroutine IDs of the running workers.
	workers map[uint64]struct{}

	group errgroup.Group
}

func newPool(size int) *pool {
	p := &pool{size: size, workers: make(map[uint64]struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// start spawns the workers. Calling it again is a no-op.
func (p *pool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closing {
		return
	}
	p.started = true
	for range p.size {
		p.group.Go(func() error {
			p.work()
			return nil
		})
	}
}

func (p *pool) submit(t task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return ErrClosed
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return nil
}

// isWorker reports whether the caller is one of the pool's workers.
func (p *pool) isWorker() bool {
	id := goroutineID()
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.workers[id]
	return ok
}

func (p *pool) work() {
	id := goroutineID()
	p.mu.Lock()
	p.workers[id] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.workers, id)
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closing {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = task{}
		p.queue = p.queue[1:]
		p.mu.Unlock()

		t.run()
	}
}

// close stops accepting tasks and waits for the workers to drain the queue. Tasks queued on a pool
// that was never started are rejected with ErrClosed.
func (p *pool) close() {
	p.stop()
	_ = p.group.Wait()
}

// stop stops accepting tasks and wakes idle workers without waiting for them.
func (p *pool) stop() {
	p.mu.Lock()
	p.closing = true
	started := p.started
	var pending []task
	if !started {
		pending = p.queue
		p.queue = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, t := range pending {
		t.reject(ErrClosed)
	}
}
