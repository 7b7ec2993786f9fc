// Package routines provides a bounded pool of go-routines.
package routines

import (
	"sync"
)

// Pool runs queued functions concurrently in a bounded number of
// go-routines.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	lock   sync.Mutex
	closed bool

	deferFn func()
}

// PoolOpt is an option for NewPool.
type PoolOpt func(*Pool)

// WithDeferFunc sets a function that is deferred in every go-routine
// that runs a queued function. It can be used to set a panic handler.
// It runs before the function is considered finished by Wait().
func WithDeferFunc(fn func()) PoolOpt {
	return func(p *Pool) {
		p.deferFn = fn
	}
}

// NewPool returns a pool that runs at most workers functions at the same
// time.
func NewPool(workers uint, opts ...PoolOpt) *Pool {
	if workers == 0 {
		workers = 1
	}

	p := Pool{
		sem: make(chan struct{}, workers),
	}

	for _, opt := range opts {
		opt(&p)
	}

	return &p
}

// Queue schedules fn for execution.
// It blocks while all workers are busy.
// Queue panics when it is called after Wait().
func (p *Pool) Queue(fn func()) {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		panic("routines: Queue called after Wait")
	}
	p.wg.Add(1)
	p.lock.Unlock()

	p.sem <- struct{}{}

	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		if p.deferFn != nil {
			defer p.deferFn()
		}

		fn()
	}()
}

// Wait waits until all queued functions returned.
// After Wait was called, no new functions can be queued.
func (p *Pool) Wait() {
	p.lock.Lock()
	p.closed = true
	p.lock.Unlock()

	p.wg.Wait()
}
