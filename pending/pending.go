// Package pending implements the correlation table that lets any goroutine
// issue a Call and block until the matching Reply arrives.
//
// Locking is two-level: the table mutex guards the token map only and is never
// held while a caller waits; each PendingCall has its own mutex guarding its
// result and a channel that is closed once it is ready.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"hostbridge/message"
)

var (
	ErrDuplicateToken = errors.New("token already pending")
	ErrTimeout        = errors.New("timed out waiting for reply")
	ErrConnectionLost = errors.New("connection lost")
	ErrUnknownCall    = errors.New("call is not pending")
)

// Result is what a waiter receives: a Reply, or an error when the call was abandoned.
type Result struct {
	Reply *message.Reply
	Err   error
}

// PendingCall is one outstanding request. It is created by Begin and consumed
// by exactly one Wait.
type PendingCall struct {
	token   message.Token
	started time.Time

	mu     sync.Mutex
	ready  bool
	result Result
	done   chan struct{}
}

func (pc *PendingCall) Token() message.Token { return pc.token }

// Ready reports whether a result has been delivered.
func (pc *PendingCall) Ready() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.ready
}

// complete stores r and wakes the waiter. Only the first completion counts.
func (pc *PendingCall) complete(r Result) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.ready {
		return false
	}
	pc.ready = true
	pc.result = r
	close(pc.done)
	return true
}

func (pc *PendingCall) load() Result {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.result
}

// Observer receives table events for metrics. All methods may be called concurrently.
type Observer interface {
	PendingChanged(n int)
	WaitFinished(d time.Duration, err error)
	Abandoned(n int)
}

type Option func(*Table)

// WithDefaultTimeout bounds every Wait whose context has no earlier deadline.
// Zero disables the default bound.
func WithDefaultTimeout(d time.Duration) Option {
	return func(t *Table) { t.defaultTimeout = d }
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(t *Table) { t.observer = o }
}

// Table maps tokens to outstanding calls.
type Table struct {
	mu      sync.Mutex
	entries map[message.Token]*PendingCall

	defaultTimeout time.Duration
	observer       Observer
}

func NewTable(opts ...Option) *Table {
	t := &Table{entries: make(map[message.Token]*PendingCall)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin registers token. It must be called before the Call is enqueued so a
// Reply that races ahead of Wait still finds its entry.
func (t *Table) Begin(token message.Token) (*PendingCall, error) {
	pc := &PendingCall{token: token, started: time.Now(), done: make(chan struct{})}

	t.mu.Lock()
	if _, exists := t.entries[token]; exists {
		t.mu.Unlock()
		return nil, ErrDuplicateToken
	}
	t.entries[token] = pc
	n := len(t.entries)
	t.mu.Unlock()

	t.pendingChanged(n)
	return pc, nil
}

// Wait blocks until pc is resolved or abandoned, ctx ends, or the default
// timeout elapses. The entry is removed from the table in every case.
func (t *Table) Wait(ctx context.Context, pc *PendingCall) (*message.Reply, error) {
	if pc == nil {
		return nil, ErrUnknownCall
	}
	if t.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.defaultTimeout)
		defer cancel()
	}

	var (
		reply *message.Reply
		err   error
	)
	select {
	case <-pc.done:
		r := pc.load()
		reply, err = r.Reply, r.Err
	case <-ctx.Done():
		// A Reply may have landed at the same instant; prefer it.
		if pc.Ready() {
			r := pc.load()
			reply, err = r.Reply, r.Err
		} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ErrTimeout
		} else {
			err = ctx.Err()
		}
	}

	t.remove(pc)
	if t.observer != nil {
		t.observer.WaitFinished(time.Since(pc.started), err)
	}
	return reply, err
}

// Resolve delivers reply to the call registered under reply.RequestID.
// It returns false for unknown tokens (late or duplicate replies).
func (t *Table) Resolve(reply *message.Reply) bool {
	t.mu.Lock()
	pc, ok := t.entries[reply.RequestID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return pc.complete(Result{Reply: reply})
}

// Cancel drops token without waking anyone. Used when the Call never made it
// onto the outbound queue.
func (t *Table) Cancel(token message.Token) {
	t.mu.Lock()
	pc, ok := t.entries[token]
	if ok {
		delete(t.entries, token)
	}
	n := len(t.entries)
	t.mu.Unlock()

	if ok {
		pc.complete(Result{Err: ErrUnknownCall})
		t.pendingChanged(n)
	}
}

// Abandon fails every outstanding call with err, empties the table and
// returns how many calls were woken.
func (t *Table) Abandon(err error) int {
	if err == nil {
		err = ErrConnectionLost
	}

	t.mu.Lock()
	calls := make([]*PendingCall, 0, len(t.entries))
	for token, pc := range t.entries {
		calls = append(calls, pc)
		delete(t.entries, token)
	}
	t.mu.Unlock()
	if len(calls) > 0 {
		t.pendingChanged(0)
	}

	n := 0
	for _, pc := range calls {
		if pc.complete(Result{Err: err}) {
			n++
		}
	}
	if n > 0 && t.observer != nil {
		t.observer.Abandoned(n)
	}
	return n
}

// Len returns the number of registered calls, including ready-but-uncollected ones.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) remove(pc *PendingCall) {
	t.mu.Lock()
	removed := false
	if cur, ok := t.entries[pc.token]; ok && cur == pc {
		delete(t.entries, pc.token)
		removed = true
	}
	n := len(t.entries)
	t.mu.Unlock()

	if removed {
		t.pendingChanged(n)
	}
}

func (t *Table) pendingChanged(n int) {
	if t.observer != nil {
		t.observer.PendingChanged(n)
	}
}
