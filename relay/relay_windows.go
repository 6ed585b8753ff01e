//go:build windows

package relay

import (
	"fmt"

	"golang.org/x/sys/windows"
)

var (
	user32           = windows.NewLazySystemDLL("user32.dll")
	procPostMessageW = user32.NewProc("PostMessageW")
)

type windowsProcess struct {
	pid    int
	handle windows.Handle
}

func (p *windowsProcess) PID() int     { return p.pid }
func (p *windowsProcess) Close() error { return windows.CloseHandle(p.handle) }

type windowsDuplicator struct{}

// PlatformDuplicator duplicates handles with DuplicateHandle.
func PlatformDuplicator() Duplicator { return windowsDuplicator{} }

func (windowsDuplicator) Open(pid int) (Process, error) {
	h, err := windows.OpenProcess(windows.PROCESS_DUP_HANDLE, false, uint32(pid))
	if err != nil {
		return nil, err
	}
	return &windowsProcess{pid: pid, handle: h}, nil
}

func (windowsDuplicator) Duplicate(local Handle, target Process) (Handle, error) {
	wp, ok := target.(*windowsProcess)
	if !ok {
		return 0, fmt.Errorf("unexpected process type %T", target)
	}
	var out windows.Handle
	err := windows.DuplicateHandle(
		windows.CurrentProcess(),
		windows.Handle(local),
		wp.handle,
		&out,
		0,
		false,
		windows.DUPLICATE_SAME_ACCESS,
	)
	if err != nil {
		return 0, err
	}
	return Handle(out), nil
}

type windowNotifier struct {
	hwnd  uintptr
	msgID uint32
}

// NewWindowNotifier posts msgID to hwnd after each written frame.
func NewWindowNotifier(hwnd uintptr, msgID uint32) Notifier {
	if hwnd == 0 {
		return NopNotifier
	}
	return &windowNotifier{hwnd: hwnd, msgID: msgID}
}

func (w *windowNotifier) Notify() error {
	r1, _, err := procPostMessageW.Call(w.hwnd, uintptr(w.msgID), 0, 0)
	if r1 == 0 {
		return fmt.Errorf("PostMessageW: %w", err)
	}
	return nil
}

// SignalReady sets the named event the launching application waits on.
func SignalReady(name string) error {
	if name == "" {
		return nil
	}
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return err
	}
	h, err := windows.OpenEvent(windows.EVENT_MODIFY_STATE, false, p)
	if err != nil {
		return fmt.Errorf("open event %s: %w", name, err)
	}
	defer windows.CloseHandle(h)
	if err := windows.SetEvent(h); err != nil {
		return fmt.Errorf("signal event %s: %w", name, err)
	}
	return nil
}
