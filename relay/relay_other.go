//go:build !windows

package relay

type unsupportedDuplicator struct{}

// PlatformDuplicator returns a duplicator that always fails with ErrUnsupported.
func PlatformDuplicator() Duplicator { return unsupportedDuplicator{} }

func (unsupportedDuplicator) Open(pid int) (Process, error) {
	return nil, ErrUnsupported
}

func (unsupportedDuplicator) Duplicate(Handle, Process) (Handle, error) {
	return 0, ErrUnsupported
}

// NewWindowNotifier has no window system to post to here.
func NewWindowNotifier(hwnd uintptr, msgID uint32) Notifier {
	return NopNotifier
}

// SignalReady is a no-op without named kernel events.
func SignalReady(name string) error {
	return nil
}
