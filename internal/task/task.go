// Package task runs submitted work on a single goroutine in submission
// order. Index updates and other database maintenance go through one
// executor so they never interleave.
package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("task: executor closed")

// A Future resolves to the result of one submitted function.
type Future struct {
	done   chan struct{}
	cancel context.CancelFunc

	value any
	err   error
}

// Wait blocks until the task finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel signals the task's context. A task already running decides for
// itself whether to honor it; a finished task is unaffected.
func (f *Future) Cancel() {
	f.cancel()
}

// Executor is a serial task queue backed by one goroutine.
type Executor struct {
	log   *slog.Logger
	queue chan *queued

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type queued struct {
	ctx    context.Context
	fn     func(ctx context.Context) (any, error)
	future *Future
}

// New starts the executor goroutine.
func New(log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	e := &Executor{
		log:   log,
		queue: make(chan *queued, 64),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Executor) run() {
	defer e.wg.Done()
	for q := range e.queue {
		if err := q.ctx.Err(); err != nil {
			q.future.err = err
			close(q.future.done)
			continue
		}
		q.future.value, q.future.err = q.fn(q.ctx)
		if q.future.err != nil && !errors.Is(q.future.err, context.Canceled) {
			e.log.Warn("background task failed", "error", q.future.err)
		}
		close(q.future.done)
	}
}

// Submit enqueues fn. Tasks run strictly in submission order. After
// Close the returned future resolves immediately with ErrClosed.
func (e *Executor) Submit(fn func(ctx context.Context) (any, error)) *Future {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Future{done: make(chan struct{}), cancel: cancel}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		f.err = ErrClosed
		close(f.done)
		return f
	}
	e.queue <- &queued{ctx: ctx, fn: fn, future: f}
	e.mu.Unlock()
	return f
}

// Close drains the queue, runs everything already submitted and stops
// the goroutine. Safe to call twice.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	e.wg.Wait()
}
