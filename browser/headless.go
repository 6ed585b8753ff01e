package browser

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"hostbridge/relay"
	"hostbridge/script"
)

// Headless is an Instance without a renderer. It keeps navigation history,
// focus and visibility state, and a single editable text field that editing
// commands and key events act on. Script runs on a shared evaluator.
type Headless struct {
	id     int
	events *Events
	eval   script.Evaluator
	client *http.Client

	mu        sync.Mutex
	rect      Rect
	history   []string
	index     int
	focused   bool
	hidden    bool
	closed    bool
	text      string
	selStart  int
	selEnd    int
	clipboard string
	undo      []string
	redo      []string
	onClose   func(id int)
}

type HeadlessOption func(*Headless)

// WithEvents sets where the browser raises its events.
func WithEvents(ev *Events) HeadlessOption {
	return func(h *Headless) { h.events = ev }
}

func WithEvaluator(ev script.Evaluator) HeadlessOption {
	return func(h *Headless) { h.eval = ev }
}

// WithHTTPClient sets the client DownloadImage uses.
func WithHTTPClient(c *http.Client) HeadlessOption {
	return func(h *Headless) { h.client = c }
}

// WithCloseHook is called once the browser has closed.
func WithCloseHook(fn func(id int)) HeadlessOption {
	return func(h *Headless) { h.onClose = fn }
}

func NewHeadless(id int, args CreateArgs, opts ...HeadlessOption) *Headless {
	h := &Headless{
		id:     id,
		rect:   args.Rectangle,
		index:  -1,
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(h)
	}
	if args.URL != "" {
		h.navigate(args.URL)
	}
	return h
}

// HeadlessFactory builds Headless browsers that raise events through c, share
// eval and leave instances when they close.
func HeadlessFactory(c Caller, r *relay.Relay, eval script.Evaluator, instances *Instances, logger *zap.Logger) Factory {
	return func(id int, args CreateArgs) (Instance, error) {
		return NewHeadless(id, args,
			WithEvents(NewEvents(c, r, id, logger)),
			WithEvaluator(eval),
			WithCloseHook(instances.Remove),
		), nil
	}
}

func (h *Headless) ID() int { return h.id }

// URL returns the current history entry.
func (h *Headless) URL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.index < 0 {
		return ""
	}
	return h.history[h.index]
}

// Text returns the content of the editable field.
func (h *Headless) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text
}

func (h *Headless) Focused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.focused
}

func (h *Headless) Hidden() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hidden
}

func (h *Headless) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Headless) CanGoBack() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index > 0
}

func (h *Headless) CanGoForward() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index >= 0 && h.index < len(h.history)-1
}

func (h *Headless) GoBack() { h.step(-1) }

func (h *Headless) GoForward() { h.step(1) }

func (h *Headless) step(delta int) {
	h.mu.Lock()
	next := h.index + delta
	if next < 0 || next >= len(h.history) {
		h.mu.Unlock()
		return
	}
	h.index = next
	url := h.history[next]
	h.mu.Unlock()
	h.loaded(url, "traverse")
}

func (h *Headless) Reload() {
	if url := h.URL(); url != "" {
		h.loaded(url, "reload")
	}
}

func (h *Headless) LoadURL(url string) { h.navigate(url) }

// navigate pushes url and drops the forward history.
func (h *Headless) navigate(url string) {
	h.mu.Lock()
	h.history = append(h.history[:h.index+1], url)
	h.index = len(h.history) - 1
	h.mu.Unlock()
	h.loaded(url, "push")
}

func (h *Headless) loaded(url, navigationType string) {
	if h.events == nil {
		return
	}
	h.events.OnLoadingProgressChange(0)
	h.events.OnNavigate(Navigation{
		Destination:    NavigateDestination{URL: url, Index: h.historyIndex()},
		NavigationType: navigationType,
	})
	h.events.OnAddressChange(url)
	h.events.OnTitleChange(titleOf(url))
	h.events.OnLoadingProgressChange(1)
}

func (h *Headless) historyIndex() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index
}

// titleOf is what a page without <title> shows: the URL minus its scheme.
func titleOf(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[i+3:]
	}
	return url
}

func (h *Headless) SetFocus(focus bool) {
	h.mu.Lock()
	h.focused = focus
	h.mu.Unlock()
	if focus && h.events != nil {
		h.events.OnFocusedNodeChanged(FocusedNode{TagName: "INPUT", IsEditable: true})
	}
}

func (h *Headless) WasHidden(hidden bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hidden = hidden
}

// WasResized asks the application for the new view size.
func (h *Headless) WasResized() {
	if h.events == nil {
		return
	}
	h.mu.Lock()
	current := h.rect
	h.mu.Unlock()

	rect := h.events.GetViewRect(context.Background(), current)
	h.mu.Lock()
	h.rect = rect
	h.mu.Unlock()
}

// Rect is the last known view rectangle.
func (h *Headless) Rect() Rect {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rect
}

func (h *Headless) Cut() {
	h.edit(func() {
		h.clipboard = h.text[h.selStart:h.selEnd]
		h.replaceSelection("")
	})
}

func (h *Headless) Copy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clipboard = h.text[h.selStart:h.selEnd]
}

func (h *Headless) Paste() {
	h.edit(func() { h.replaceSelection(h.clipboard) })
}

func (h *Headless) Delete() {
	h.edit(func() {
		if h.selStart == h.selEnd && h.selEnd < len(h.text) {
			_, size := utf8.DecodeRuneInString(h.text[h.selEnd:])
			h.selEnd += size
		}
		h.replaceSelection("")
	})
}

func (h *Headless) Undo() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.undo) == 0 {
		return
	}
	h.redo = append(h.redo, h.text)
	h.text = h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.selStart, h.selEnd = len(h.text), len(h.text)
}

func (h *Headless) Redo() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.redo) == 0 {
		return
	}
	h.undo = append(h.undo, h.text)
	h.text = h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.selStart, h.selEnd = len(h.text), len(h.text)
}

func (h *Headless) SelectAll() {
	h.mu.Lock()
	h.selStart, h.selEnd = 0, len(h.text)
	text := h.text
	h.mu.Unlock()
	if h.events != nil {
		h.events.OnTextSelectionChanged(text, 0, utf8.RuneCountInString(text))
	}
}

// edit runs fn under the lock with an undo snapshot taken first.
func (h *Headless) edit(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	before := h.text
	fn()
	if h.text != before {
		h.undo = append(h.undo, before)
		h.redo = nil
	}
}

func (h *Headless) replaceSelection(s string) {
	h.text = h.text[:h.selStart] + s + h.text[h.selEnd:]
	h.selStart += len(s)
	h.selEnd = h.selStart
}

func (h *Headless) SendMouseClick(ev MouseEvent, button MouseButton, mouseUp bool, clickCount int) {
	if button == MouseLeft && mouseUp && !h.Focused() {
		h.SetFocus(true)
	}
}

func (h *Headless) SendMouseMove(ev MouseEvent, mouseLeave bool) {}

func (h *Headless) SendMouseWheel(ev MouseEvent, deltaX, deltaY int) {}

// SendKey types KeyChar events into the text field while it has focus.
// Backspace (key code 8) deletes the character before the caret.
func (h *Headless) SendKey(ev KeyEvent) {
	if ev.Type != KeyChar || !h.Focused() {
		return
	}
	h.edit(func() {
		if ev.WindowsKeyCode == 8 {
			if h.selStart == h.selEnd && h.selStart > 0 {
				_, size := utf8.DecodeLastRuneInString(h.text[:h.selStart])
				h.selStart -= size
			}
			h.replaceSelection("")
			return
		}
		h.replaceSelection(ev.Character)
	})
}

func (h *Headless) EvalScript(ctx context.Context, code, scriptURL string, startLine int) (string, *script.EvalError) {
	if h.eval == nil {
		return "", &script.EvalError{Message: "script evaluation unavailable", ScriptResourceName: scriptURL}
	}
	return h.eval.Eval(ctx, code, scriptURL, startLine)
}

// DownloadImage fetches the image. Non-PNG bodies come back without images,
// as the engine only reports PNG representations.
func (h *Headless) DownloadImage(ctx context.Context, req DownloadRequest) DownloadResult {
	result := DownloadResult{ImageURL: req.ImageURL, Images: []Image{}}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.ImageURL, nil)
	if err != nil {
		return result
	}
	if req.BypassCache {
		hreq.Header.Set("Cache-Control", "no-cache")
	}
	resp, err := h.client.Do(hreq)
	if err != nil {
		return result
	}
	defer resp.Body.Close()
	result.HTTPStatusCode = resp.StatusCode

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil || resp.StatusCode != http.StatusOK {
		return result
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return result
	}
	if req.MaxImageSize > 0 && (cfg.Width > req.MaxImageSize || cfg.Height > req.MaxImageSize) {
		return result
	}
	result.Images = append(result.Images, Image{Data: data, Width: cfg.Width, Height: cfg.Height})
	return result
}

func (h *Headless) Close(force bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	if h.events != nil {
		h.events.OnBeforeClose(context.Background())
	}
	if h.onClose != nil {
		h.onClose(h.id)
	}
}

// TryClose always succeeds: a headless page has no unload handlers.
func (h *Headless) TryClose() bool {
	h.Close(false)
	return true
}

func (h *Headless) String() string {
	return fmt.Sprintf("headless#%d(%s)", h.id, h.URL())
}
