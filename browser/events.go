package browser

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"hostbridge/message"
	"hostbridge/relay"
)

// DefaultEventTimeout bounds the events that wait for the application.
const DefaultEventTimeout = 5 * time.Second

// Caller is the part of bridge.Endpoint that raises calls toward the application.
type Caller interface {
	EnqueueCall(target, method string, instanceID int, args any) (message.Token, error)
	Invoke(ctx context.Context, target, method string, instanceID int, args, out any) error
}

// Events raises browser-originated calls for one instance. Notifications are
// queued and forgotten; the rest block until the application answers or the
// timeout passes.
type Events struct {
	caller  Caller
	relay   *relay.Relay
	id      int
	timeout time.Duration
	logger  *zap.Logger
}

// NewEvents binds an emitter to instance id. r may be nil when no handle is
// ever relayed.
func NewEvents(c Caller, r *relay.Relay, id int, logger *zap.Logger) *Events {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Events{
		caller:  c,
		relay:   r,
		id:      id,
		timeout: DefaultEventTimeout,
		logger:  logger.Named("events").With(zap.Int("browser", id)),
	}
}

// SetTimeout changes how long synchronous events wait.
func (e *Events) SetTimeout(d time.Duration) { e.timeout = d }

func (e *Events) notify(method string, args any) {
	if _, err := e.caller.EnqueueCall(BrowserTarget, method, e.id, args); err != nil {
		e.logger.Debug("event dropped", zap.String("method", method), zap.Error(err))
	}
}

func (e *Events) invoke(ctx context.Context, method string, args, out any) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	err := e.caller.Invoke(ctx, BrowserTarget, method, e.id, args, out)
	if err != nil {
		e.logger.Warn("event not answered", zap.String("method", method), zap.Error(err))
	}
	return err
}

func (e *Events) OnAddressChange(url string) {
	e.notify("OnAddressChange", map[string]any{"url": url})
}

func (e *Events) OnTitleChange(title string) {
	e.notify("OnTitleChange", map[string]any{"title": title})
}

func (e *Events) OnConsoleMessage(level int, msg, source string, line int) {
	e.notify("OnConsoleMessage", map[string]any{
		"level":   level,
		"message": msg,
		"source":  source,
		"line":    line,
	})
}

func (e *Events) OnLoadingProgressChange(progress float64) {
	e.notify("OnLoadingProgressChange", map[string]any{"progress": progress})
}

func (e *Events) OnTextSelectionChanged(text string, from, to int) {
	e.notify("OnTextSelectionChanged", map[string]any{
		"selectedText":      text,
		"selectedRangeFrom": from,
		"selectedRangeTo":   to,
	})
}

// NavigateDestination mirrors the Navigation API destination of a page navigation.
type NavigateDestination struct {
	ID           string `json:"id"`
	Index        int    `json:"index"`
	Key          string `json:"key"`
	SameDocument bool   `json:"sameDocument"`
	URL          string `json:"url"`
}

type Navigation struct {
	Destination    NavigateDestination `json:"destination"`
	FormData       map[string]string   `json:"formData"`
	HashChange     bool                `json:"hashChange"`
	NavigationType string              `json:"navigationType"`
	UserInitiated  bool                `json:"userInitiated"`
}

func (e *Events) OnNavigate(nav Navigation) {
	e.notify("OnNavigate", nav)
}

// FocusedNode describes the element that gained focus. InputType is nil for
// elements that are not inputs.
type FocusedNode struct {
	TagName    string  `json:"tagName"`
	InputType  *string `json:"inputType"`
	IsEditable bool    `json:"isEditable"`
}

func (e *Events) OnFocusedNodeChanged(node FocusedNode) {
	e.notify("OnFocusedNodeChanged", node)
}

func (e *Events) OnCursorChange(cursor relay.Handle, cursorType int) {
	e.notify("OnCursorChange", map[string]any{
		"cursorHandle": uint64(cursor),
		"cursorType":   cursorType,
	})
}

func (e *Events) OnPopupShow(show bool) {
	e.notify("OnPopupShow", map[string]any{"show": show})
}

func (e *Events) OnPopupSize(rect Rect) {
	e.notify("OnPopupSize", map[string]any{"rectangle": rect})
}

// GetViewRect asks the application for the current view size. fallback is
// returned when it does not answer.
func (e *Events) GetViewRect(ctx context.Context, fallback Rect) Rect {
	var rect Rect
	if err := e.invoke(ctx, "GetViewRect", nil, &rect); err != nil {
		return fallback
	}
	return rect
}

// Popup describes a window the page wants to open.
type Popup struct {
	TargetURL         string `json:"targetUrl"`
	TargetFrameName   string `json:"targetFrameName,omitempty"`
	TargetDisposition int    `json:"targetDisposition"`
	UserGesture       bool   `json:"userGesture"`
}

// OnBeforePopup reports whether the popup should be blocked. Without an
// answer it is blocked.
func (e *Events) OnBeforePopup(ctx context.Context, p Popup) bool {
	block := true
	if err := e.invoke(ctx, "OnBeforePopup", p, &block); err != nil {
		return true
	}
	return block
}

// OnOpenURLFromTab reports whether a tab navigation should be cancelled.
func (e *Events) OnOpenURLFromTab(ctx context.Context, p Popup) bool {
	p.TargetFrameName = ""
	cancel := true
	if err := e.invoke(ctx, "OnOpenUrlFromTab", p, &cancel); err != nil {
		return true
	}
	return cancel
}

// OnBeforeClose tells the application the browser is going away and waits
// for it to release its resources.
func (e *Events) OnBeforeClose(ctx context.Context) error {
	return e.invoke(ctx, "OnBeforeClose", nil, nil)
}

// paintArgs is the OnAcceleratedPaint payload. SharedTextureHandle is null
// when the handle could not be relayed.
type paintArgs struct {
	ElementType         int     `json:"elementType"`
	Format              int     `json:"format"`
	SharedTextureHandle *uint64 `json:"sharedTextureHandle"`
	ResourceUnavailable bool    `json:"resourceUnavailable,omitempty"`
	ResourceError       string  `json:"resourceError,omitempty"`
}

// OnAcceleratedPaint relays a shared texture to the application and waits
// until it has consumed the frame. The texture handle is duplicated into the
// application process; the local handle stays owned by the caller. When the
// duplication fails the event is still sent, marked resourceUnavailable.
func (e *Events) OnAcceleratedPaint(ctx context.Context, elementType, format int, texture relay.Handle) error {
	args := paintArgs{ElementType: elementType, Format: format}

	remote, err := e.duplicate(texture)
	if err != nil {
		e.logger.Warn("shared texture not relayed", zap.Error(err))
		args.ResourceUnavailable = true
		args.ResourceError = err.Error()
	} else {
		h := uint64(remote)
		args.SharedTextureHandle = &h
	}
	return e.invoke(ctx, "OnAcceleratedPaint", args, nil)
}

func (e *Events) duplicate(h relay.Handle) (relay.Handle, error) {
	if e.relay == nil {
		return 0, relay.ErrTargetProcessUnavailable
	}
	if h == 0 {
		return 0, errors.New("no shared texture handle")
	}
	return e.relay.Duplicate(h)
}
