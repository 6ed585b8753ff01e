package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrWorkerStopped is returned by Do and Go after Stop.
	ErrWorkerStopped = errors.New("worker stopped")
	// ErrWorkerBusy is returned by Go when the backlog is full.
	ErrWorkerBusy = errors.New("worker backlog full")
)

type task struct {
	fn   func()
	done chan error
}

// Worker serializes work onto one goroutine. It stands in for the engine's
// UI thread: handlers that must touch engine state hand their work here and
// return to the dispatcher at once.
type Worker struct {
	tasks chan task
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewWorker starts the worker goroutine. backlog is how many tasks may queue
// before Go refuses more.
func NewWorker(backlog int) *Worker {
	if backlog <= 0 {
		backlog = 64
	}
	w := &Worker{
		tasks: make(chan task, backlog),
		quit:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case t := <-w.tasks:
			err := execute(t.fn)
			if t.done != nil {
				t.done <- err
			}
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, turning a panic into an error.
func execute(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker task: %v", r)
		}
	}()
	fn()
	return nil
}

// Do runs fn on the worker goroutine and waits for it to finish.
func (w *Worker) Do(ctx context.Context, fn func()) error {
	if w.stopped() {
		return ErrWorkerStopped
	}
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case w.tasks <- t:
	case <-w.quit:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go queues fn without waiting for it to run. It never blocks: a full
// backlog yields ErrWorkerBusy.
func (w *Worker) Go(fn func()) error {
	if w.stopped() {
		return ErrWorkerStopped
	}
	select {
	case w.tasks <- task{fn: fn}:
		return nil
	case <-w.quit:
		return ErrWorkerStopped
	default:
		return ErrWorkerBusy
	}
}

func (w *Worker) stopped() bool {
	select {
	case <-w.quit:
		return true
	default:
		return false
	}
}

// Stop ends the worker goroutine after the task in progress. Queued tasks are dropped.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.quit) })
	w.wg.Wait()
}
