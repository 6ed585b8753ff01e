// Package queue provides the FIFO hand-off between the network goroutine, the
// dispatcher and caller goroutines.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrClosed is returned by Push after Close, and by Pop once a closed queue is empty.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by Push on a bounded queue using OverflowReject.
	ErrFull = errors.New("queue full")
)

// OverflowPolicy decides what a bounded queue does when Push finds it full.
type OverflowPolicy int

const (
	// OverflowReject refuses the new item with ErrFull.
	OverflowReject OverflowPolicy = iota
	// OverflowDropOldest evicts the head to make room.
	OverflowDropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDropOldest:
		return "drop-oldest"
	default:
		return "reject"
	}
}

// ParseOverflowPolicy maps a configuration value ("reject", "drop-oldest") to a policy.
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "reject":
		return OverflowReject, nil
	case "drop-oldest", "drop_oldest":
		return OverflowDropOldest, nil
	default:
		return OverflowReject, fmt.Errorf("unknown overflow policy %q", name)
	}
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	capacity   int
	policy     OverflowPolicy
	onOverflow func()
}

// WithCapacity bounds the queue at n items. n <= 0 means unbounded.
func WithCapacity(n int, policy OverflowPolicy) Option {
	return func(o *options) {
		o.capacity = n
		o.policy = policy
	}
}

// WithOverflowHook registers fn to run (outside the queue lock) every time an
// item is rejected or evicted.
func WithOverflowHook(fn func()) Option {
	return func(o *options) {
		o.onOverflow = fn
	}
}

// Queue is a goroutine-safe FIFO. Pushes never block; Pop blocks until an
// item is available, the context ends, or the queue is closed and drained.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	// signal is closed and replaced whenever state changes, waking all poppers.
	signal chan struct{}
	opts   options
}

func New[T any](opts ...Option) *Queue[T] {
	q := &Queue[T]{signal: make(chan struct{})}
	for _, opt := range opts {
		opt(&q.opts)
	}
	return q
}

// Push appends v at the tail.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	overflowed := false
	if q.opts.capacity > 0 && q.lenLocked() >= q.opts.capacity {
		overflowed = true
		if q.opts.policy == OverflowReject {
			q.mu.Unlock()
			q.overflow()
			return ErrFull
		}
		q.popLocked()
	}

	q.items = append(q.items, v)
	q.broadcastLocked()
	q.mu.Unlock()

	if overflowed {
		q.overflow()
	}
	return nil
}

// Pop removes and returns the head, blocking while the queue is empty.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if q.lenLocked() > 0 {
			v := q.popLocked()
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryPop removes and returns the head without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lenLocked() == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Close stops further pushes and wakes blocked poppers. Items already queued
// can still be popped. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Drain removes and returns everything currently queued.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, q.lenLocked())
	copy(out, q.items[q.head:])
	q.items = nil
	q.head = 0
	return out
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) popLocked() T {
	var zero T
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v
}

func (q *Queue[T]) broadcastLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *Queue[T]) overflow() {
	if q.opts.onOverflow != nil {
		q.opts.onOverflow()
	}
}
