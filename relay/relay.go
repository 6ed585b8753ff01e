// Package relay hands kernel handles to the peer process. A handle is only
// meaningful inside one process's handle table, so the local value is
// duplicated into the remote process, identified during the Client.Initialize
// handshake, before it is sent over the wire.
package relay

import (
	"errors"
	"fmt"
	"sync"

	"hostbridge/metrics"
)

var (
	// ErrTargetProcessUnavailable is returned by Duplicate before the handshake has completed.
	ErrTargetProcessUnavailable = errors.New("target process unavailable")
	// ErrAlreadyInitialized is returned when Initialize names a different process.
	ErrAlreadyInitialized = errors.New("relay already initialized for another process")
	// ErrUnsupported is returned on platforms without handle duplication.
	ErrUnsupported = errors.New("handle relay not supported on this platform")
)

// Handle is a raw kernel handle value. It encodes as a JSON unsigned integer.
type Handle uintptr

// Process is an opened reference to the remote process.
type Process interface {
	PID() int
	Close() error
}

// Duplicator is the platform half of the relay.
type Duplicator interface {
	Open(pid int) (Process, error)
	// Duplicate copies local into target with the same access rights. The
	// source handle stays open.
	Duplicate(local Handle, target Process) (Handle, error)
}

type Option func(*Relay)

// WithDuplicator replaces the platform duplicator.
func WithDuplicator(d Duplicator) Option {
	return func(r *Relay) { r.dup = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// Relay holds the remote process reference, which is set once.
type Relay struct {
	mu      sync.RWMutex
	dup     Duplicator
	remote  Process
	metrics *metrics.Metrics
}

func New(opts ...Option) *Relay {
	r := &Relay{dup: PlatformDuplicator()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize opens the remote process. Repeating the handshake with the same
// pid is a no-op.
func (r *Relay) Initialize(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("initialize relay: invalid process id %d", pid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remote != nil {
		if r.remote.PID() == pid {
			return nil
		}
		return fmt.Errorf("%w: have %d, got %d", ErrAlreadyInitialized, r.remote.PID(), pid)
	}

	proc, err := r.dup.Open(pid)
	if err != nil {
		return fmt.Errorf("open process %d: %w", pid, err)
	}
	r.remote = proc
	return nil
}

// RemoteProcess returns the process set by Initialize.
func (r *Relay) RemoteProcess() (Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remote, r.remote != nil
}

// Duplicate makes local valid inside the remote process. The caller keeps
// ownership of local; the returned handle belongs to the remote process.
func (r *Relay) Duplicate(local Handle) (Handle, error) {
	r.mu.RLock()
	remote := r.remote
	r.mu.RUnlock()

	if remote == nil {
		r.metrics.RecordDuplication(false)
		return 0, ErrTargetProcessUnavailable
	}
	h, err := r.dup.Duplicate(local, remote)
	r.metrics.RecordDuplication(err == nil)
	if err != nil {
		return 0, fmt.Errorf("duplicate handle %#x into process %d: %w", uintptr(local), remote.PID(), err)
	}
	return h, nil
}

// Reset forgets the remote process, for example after the peer disconnected.
func (r *Relay) Reset() error {
	r.mu.Lock()
	remote := r.remote
	r.remote = nil
	r.mu.Unlock()

	if remote == nil {
		return nil
	}
	return remote.Close()
}
