// Package async runs blocking client calls on a bounded set of workers and
// hands back futures for their results.
package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const DefaultWorkers = 8

var (
	ErrTimeout    = errors.New("future did not resolve in time")
	ErrPoolClosed = errors.New("pool is closed")
)

// Future is the pending result of one operation. It resolves exactly once.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that has already completed.
func Resolved[T any](value T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(value, err)
	return f
}

func (f *Future[T]) resolve(value T, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx ends. An ended ctx does not
// cancel the operation itself.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get waits at most timeout. A non-positive timeout waits forever.
func (f *Future[T]) Get(timeout time.Duration) (T, error) {
	if timeout <= 0 {
		<-f.done
		return f.value, f.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	}
}

type Config struct {
	Workers int
	Logger  *slog.Logger
}

// Pool bounds the number of operations in flight. Operations run on the
// pool's own context so an abandoned future never cancels its request.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.WithGroup("async"),
	}
}

// Go schedules fn and returns its future. Callers beyond the worker bound
// queue until a slot frees up.
func Go[T any](p *Pool, fn func(ctx context.Context) (T, error)) (*Future[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	f := newFuture[T]()
	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			var zero T
			f.resolve(zero, ErrPoolClosed)
			return
		}
		defer p.sem.Release(1)

		var (
			value T
			err   error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Operation panicked", "panic", r)
					err = errors.New("operation panicked")
				}
			}()
			value, err = fn(p.ctx)
		}()
		f.resolve(value, err)
	}()
	return f, nil
}

// Close stops accepting work and waits for scheduled operations to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
