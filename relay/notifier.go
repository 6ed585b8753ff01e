package relay

import "sync"

// Notifier tells the peer that a frame has been fully written.
type Notifier interface {
	Notify() error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func() error

func (f NotifierFunc) Notify() error { return f() }

type nopNotifier struct{}

func (nopNotifier) Notify() error { return nil }

// NopNotifier is used until the peer supplies a window to notify.
var NopNotifier Notifier = nopNotifier{}

// SwitchableNotifier forwards to whichever Notifier was installed last. The
// transport holds one for the whole session and the handshake swaps the
// target in.
type SwitchableNotifier struct {
	mu      sync.RWMutex
	current Notifier
}

func (s *SwitchableNotifier) Set(n Notifier) {
	s.mu.Lock()
	s.current = n
	s.mu.Unlock()
}

func (s *SwitchableNotifier) Notify() error {
	s.mu.RLock()
	n := s.current
	s.mu.RUnlock()
	if n == nil {
		return nil
	}
	return n.Notify()
}
