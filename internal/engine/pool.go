package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool runs background work with at most size tasks at once
type Pool struct {
	g      errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool. size <= 0 means unlimited.
func NewPool(size int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel}
	if size > 0 {
		p.g.SetLimit(size)
	}
	return p
}

// Go runs fn on the pool, blocking while the pool is full. It reports
// false once the pool is closed. fn should return when ctx is done.
func (p *Pool) Go(fn func(ctx context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.g.Go(func() error {
		fn(p.ctx)
		return nil
	})
	return true
}

// Close cancels the running tasks and waits for them
func (p *Pool) Close() error {
	p.cancel()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.g.Wait()
}
