// Package browser is the embedding side of the bridge for a browser engine:
// the instance registry that resolves instanceId, the Browser.* and Client.*
// handler set, and the events a browser raises toward the application.
package browser

import (
	"context"

	"hostbridge/script"
)

// Rect is a view rectangle in pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// MouseEvent is the pointer position plus modifier flags.
type MouseEvent struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Modifiers uint32 `json:"modifiers"`
}

type MouseButton int

const (
	MouseLeft MouseButton = iota
	MouseMiddle
	MouseRight
)

type KeyEventType int

const (
	KeyRawDown KeyEventType = iota
	KeyDown
	KeyUp
	KeyChar
)

// KeyEvent carries one keyboard event. Character fields hold at most one character.
type KeyEvent struct {
	Type                 KeyEventType `json:"type"`
	Modifiers            uint32       `json:"modifiers"`
	WindowsKeyCode       int          `json:"windows_key_code"`
	NativeKeyCode        int          `json:"native_key_code"`
	IsSystemKey          bool         `json:"is_system_key"`
	Character            string       `json:"character"`
	UnmodifiedCharacter  string       `json:"unmodified_character"`
	FocusOnEditableField bool         `json:"focus_on_editable_field"`
}

// Image is one PNG representation of a downloaded image.
type Image struct {
	Data   []byte `json:"data"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// DownloadResult answers Browser.DownloadImage.
type DownloadResult struct {
	ImageURL       string  `json:"imageUrl"`
	HTTPStatusCode int     `json:"httpStatusCode"`
	Images         []Image `json:"images"`
}

// DownloadRequest is the argument of Browser.DownloadImage.
type DownloadRequest struct {
	ImageURL     string `json:"imageUrl"`
	IsFavicon    bool   `json:"isFavicon"`
	MaxImageSize int    `json:"maxImageSize"`
	BypassCache  bool   `json:"bypassCache"`
}

// Instance is one browser the application drives.
type Instance interface {
	ID() int

	CanGoBack() bool
	CanGoForward() bool
	GoBack()
	GoForward()
	Reload()
	LoadURL(url string)

	SetFocus(focus bool)
	WasHidden(hidden bool)
	WasResized()

	Cut()
	Copy()
	Paste()
	Delete()
	Undo()
	Redo()
	SelectAll()

	SendMouseClick(ev MouseEvent, button MouseButton, mouseUp bool, clickCount int)
	SendMouseMove(ev MouseEvent, mouseLeave bool)
	SendMouseWheel(ev MouseEvent, deltaX, deltaY int)
	SendKey(ev KeyEvent)

	EvalScript(ctx context.Context, code, scriptURL string, startLine int) (string, *script.EvalError)
	DownloadImage(ctx context.Context, req DownloadRequest) DownloadResult

	// Close asks the browser to close; force skips unload handlers.
	Close(force bool)
	// TryClose closes the browser if nothing objects and reports whether it did.
	TryClose() bool
}

// CreateArgs is the argument of Client.CreateBrowser.
type CreateArgs struct {
	URL       string  `json:"url"`
	Rectangle Rect    `json:"rectangle"`
	HTML      *string `json:"html"`
}

// Factory builds a browser for Client.CreateBrowser. id is already reserved in
// the registry.
type Factory func(id int, args CreateArgs) (Instance, error)
