// Package workpool runs potentially blocking work (filesystem probes, packaged
// resource lookups) on a fixed set of goroutines so that request goroutines
// only ever wait on a completion channel.
package workpool

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var (
	// ErrQueueFull is returned by Submit when the backlog has reached its limit.
	ErrQueueFull = errors.New("workpool: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("workpool: closed")
)

const (
	DefaultWorkers  = 8
	DefaultMaxQueue = 1024
)

// Pool is a bounded worker pool. The zero value is not usable; use New.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	backlog  *queue.Queue
	maxQueue int
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Pool.
type Option func(*config)

type config struct {
	workers  int
	maxQueue int
}

// WithWorkers sets the number of worker goroutines. Defaults to 8.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithMaxQueue bounds the number of tasks waiting for a worker. Defaults to 1024.
func WithMaxQueue(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxQueue = n
		}
	}
}

// New starts a pool.
func New(opts ...Option) *Pool {
	cfg := config{workers: DefaultWorkers, maxQueue: DefaultMaxQueue}
	for _, o := range opts {
		o(&cfg)
	}
	p := &Pool{backlog: queue.New(), maxQueue: cfg.maxQueue}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(cfg.workers)
	for i := 0; i < cfg.workers; i++ {
		go p.work()
	}
	return p
}

// Submit enqueues fn. It never blocks on a busy pool: a full backlog is
// reported as ErrQueueFull.
func (p *Pool) Submit(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.backlog.Length() >= p.maxQueue {
		return ErrQueueFull
	}
	p.backlog.Add(fn)
	p.cond.Signal()
	return nil
}

// Close stops accepting work, lets queued tasks finish and waits for the
// workers to exit. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Pending reports the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backlog.Length()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.backlog.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.backlog.Length() == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		fn := p.backlog.Remove().(func())
		p.mu.Unlock()
		fn()
	}
}

type result[T any] struct {
	val T
	err error
}

// Do runs fn on the pool and waits for its result or for ctx to end. When ctx
// ends first the task still runs to completion but its result is dropped.
func Do[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	done := make(chan result[T], 1)
	err := p.Submit(func() {
		v, err := fn()
		done <- result[T]{val: v, err: err}
	})
	if err != nil {
		return zero, err
	}
	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
