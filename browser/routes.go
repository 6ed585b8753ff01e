package browser

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"hostbridge/handler"
	"hostbridge/message"
	"hostbridge/script"
)

const (
	BrowserTarget = "Browser"
	ClientTarget  = "Client"
)

type routes struct {
	instances  *Instances
	factory    Factory
	worker     *script.Worker
	onShutdown func()
	logger     *zap.Logger
}

type RegisterOption func(*routes)

// OnShutdown is called on the worker once Client.Shutdown has closed every browser.
func OnShutdown(fn func()) RegisterOption {
	return func(r *routes) { r.onShutdown = fn }
}

func WithLogger(l *zap.Logger) RegisterOption {
	return func(r *routes) { r.logger = l }
}

// Register installs Client.CreateBrowser, Client.Shutdown and the Browser.*
// routes. Work that must run on the engine thread is handed to worker and
// answered later through the request's Responder.
func Register(table *handler.Table, instances *Instances, factory Factory, worker *script.Worker, opts ...RegisterOption) error {
	r := &routes{
		instances: instances,
		factory:   factory,
		worker:    worker,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("browser")

	inst := handler.RequiresInstance()
	notify := handler.Notification()
	var errs []error
	add := func(target, method string, fn handler.HandlerFunc, opts ...handler.RouteOption) {
		if err := table.Register(target, method, fn, opts...); err != nil {
			errs = append(errs, err)
		}
	}

	add(ClientTarget, "CreateBrowser", r.createBrowser)
	add(ClientTarget, "Shutdown", r.shutdown, notify)

	add(BrowserTarget, "EvalJavaScript", r.evalJavaScript, inst)
	add(BrowserTarget, "CanGoBack", query(Instance.CanGoBack), inst)
	add(BrowserTarget, "CanGoForward", query(Instance.CanGoForward), inst)
	add(BrowserTarget, "TryClose", r.tryClose, inst)
	add(BrowserTarget, "DownloadImage", r.downloadImage, inst)

	add(BrowserTarget, "Back", command(Instance.GoBack), inst, notify)
	add(BrowserTarget, "Forward", command(Instance.GoForward), inst, notify)
	add(BrowserTarget, "Reload", command(Instance.Reload), inst, notify)
	add(BrowserTarget, "WasResized", r.onWorker(Instance.WasResized), inst, notify)
	add(BrowserTarget, "Cut", command(Instance.Cut), inst, notify)
	add(BrowserTarget, "Copy", command(Instance.Copy), inst, notify)
	add(BrowserTarget, "Paste", command(Instance.Paste), inst, notify)
	add(BrowserTarget, "Delete", command(Instance.Delete), inst, notify)
	add(BrowserTarget, "Undo", command(Instance.Undo), inst, notify)
	add(BrowserTarget, "Redo", command(Instance.Redo), inst, notify)
	add(BrowserTarget, "SelectAll", command(Instance.SelectAll), inst, notify)
	add(BrowserTarget, "Focus", r.focus, inst, notify)
	add(BrowserTarget, "WasHidden", r.wasHidden, inst, notify)
	add(BrowserTarget, "LoadUrl", r.loadURL, inst, notify)
	add(BrowserTarget, "OnMouseClick", r.mouseClick, inst, notify)
	add(BrowserTarget, "OnMouseMove", r.mouseMove, inst, notify)
	add(BrowserTarget, "OnMouseWheel", r.mouseWheel, inst, notify)
	add(BrowserTarget, "OnKeyboardEvent", r.keyboardEvent, inst, notify)
	add(BrowserTarget, "Close", r.close, inst, notify)

	return errors.Join(errs...)
}

// query answers with a boolean read from the instance.
func query(fn func(Instance) bool) handler.HandlerFunc {
	return func(ctx context.Context, req *handler.Request) *message.Reply {
		return req.OK(fn(req.Instance.(Instance)))
	}
}

// command runs a fire-and-forget instance method.
func command(fn func(Instance)) handler.HandlerFunc {
	return func(ctx context.Context, req *handler.Request) *message.Reply {
		fn(req.Instance.(Instance))
		return nil
	}
}

// onWorker runs a fire-and-forget instance method on the engine worker. Used
// for methods that raise synchronous events, which must not block the dispatcher.
func (r *routes) onWorker(fn func(Instance)) handler.HandlerFunc {
	return func(ctx context.Context, req *handler.Request) *message.Reply {
		b := req.Instance.(Instance)
		return r.later(req, func() *message.Reply {
			fn(b)
			return nil
		})
	}
}

// bind decodes the arguments of a notification; bad arguments are logged and
// the call is dropped.
func (r *routes) bind(req *handler.Request, v any) bool {
	if err := req.Bind(v); err != nil {
		r.logger.Warn("bad arguments", zap.String("route", req.Call.Route()), zap.Error(err))
		return false
	}
	return true
}

// later hands fn to the engine worker without blocking the dispatcher. If the
// worker is gone or its backlog is full the request is answered with a failure
// right away; a notification is dropped.
func (r *routes) later(req *handler.Request, fn func() *message.Reply) *message.Reply {
	err := r.worker.Go(func() {
		if reply := fn(); reply != nil {
			if err := req.Responder.Reply(reply); err != nil {
				r.logger.Warn("late reply dropped", zap.String("route", req.Call.Route()), zap.Error(err))
			}
		}
	})
	if err != nil {
		r.logger.Warn("engine worker refused call", zap.String("route", req.Call.Route()), zap.Error(err))
		return req.Fail(err)
	}
	return nil
}

func (r *routes) createBrowser(ctx context.Context, req *handler.Request) *message.Reply {
	var args CreateArgs
	if err := req.Bind(&args); err != nil {
		return req.Fail(err)
	}
	return r.later(req, func() *message.Reply {
		id := r.instances.Reserve()
		inst, err := r.factory(id, args)
		if err != nil {
			r.logger.Error("create browser failed", zap.String("url", args.URL), zap.Error(err))
			return req.Fail(fmt.Sprintf("create browser: %v", err))
		}
		r.instances.Add(inst)
		r.logger.Info("browser created", zap.Int("id", inst.ID()), zap.String("url", args.URL))
		return req.OK(inst.ID())
	})
}

func (r *routes) shutdown(ctx context.Context, req *handler.Request) *message.Reply {
	return r.later(req, func() *message.Reply {
		all := r.instances.All()
		r.logger.Info("shutting down", zap.Int("browsers", len(all)))
		for _, inst := range all {
			inst.Close(true)
		}
		if r.onShutdown != nil {
			r.onShutdown()
		}
		return nil
	})
}

func (r *routes) evalJavaScript(ctx context.Context, req *handler.Request) *message.Reply {
	var args struct {
		Code           string `json:"code"`
		EvalJavaScript string `json:"evalJavaScript"`
		ScriptURL      string `json:"scriptUrl"`
		StartLine      int    `json:"startLine"`
	}
	if err := req.Bind(&args); err != nil {
		return req.Fail(err)
	}
	code := args.Code
	if code == "" {
		code = args.EvalJavaScript
	}
	b := req.Instance.(Instance)
	return r.later(req, func() *message.Reply {
		result, evalErr := b.EvalScript(context.Background(), code, args.ScriptURL, args.StartLine)
		if evalErr != nil {
			return message.NewErrorReply(req.Call.ID, evalErr)
		}
		return req.OK(result)
	})
}

func (r *routes) tryClose(ctx context.Context, req *handler.Request) *message.Reply {
	b := req.Instance.(Instance)
	return r.later(req, func() *message.Reply {
		return req.OK(b.TryClose())
	})
}

func (r *routes) downloadImage(ctx context.Context, req *handler.Request) *message.Reply {
	var args DownloadRequest
	if err := req.Bind(&args); err != nil {
		return req.Fail(err)
	}
	b := req.Instance.(Instance)
	go func() {
		result := b.DownloadImage(context.Background(), args)
		if err := req.Responder.Reply(req.OK(result)); err != nil {
			r.logger.Warn("download reply dropped", zap.String("url", args.ImageURL), zap.Error(err))
		}
	}()
	return nil
}

func (r *routes) close(ctx context.Context, req *handler.Request) *message.Reply {
	var args struct {
		ForceClose bool `json:"forceClose"`
	}
	if !r.bind(req, &args) {
		return nil
	}
	b := req.Instance.(Instance)
	return r.later(req, func() *message.Reply {
		b.Close(args.ForceClose)
		return nil
	})
}

func (r *routes) focus(ctx context.Context, req *handler.Request) *message.Reply {
	var args struct {
		Focus bool `json:"focus"`
	}
	if r.bind(req, &args) {
		req.Instance.(Instance).SetFocus(args.Focus)
	}
	return nil
}

func (r *routes) wasHidden(ctx context.Context, req *handler.Request) *message.Reply {
	var args struct {
		Hidden bool `json:"hidden"`
	}
	if r.bind(req, &args) {
		req.Instance.(Instance).WasHidden(args.Hidden)
	}
	return nil
}

func (r *routes) loadURL(ctx context.Context, req *handler.Request) *message.Reply {
	var args struct {
		URL string `json:"url"`
	}
	if r.bind(req, &args) {
		req.Instance.(Instance).LoadURL(args.URL)
	}
	return nil
}

func (r *routes) mouseClick(ctx context.Context, req *handler.Request) *message.Reply {
	var args struct {
		Event      MouseEvent  `json:"event"`
		Button     MouseButton `json:"button"`
		MouseUp    bool        `json:"mouseUp"`
		ClickCount int         `json:"clickCount"`
	}
	if r.bind(req, &args) {
		req.Instance.(Instance).SendMouseClick(args.Event, args.Button, args.MouseUp, args.ClickCount)
	}
	return nil
}

func (r *routes) mouseMove(ctx context.Context, req *handler.Request) *message.Reply {
	var args struct {
		Event      MouseEvent `json:"event"`
		MouseLeave bool       `json:"mouseLeave"`
	}
	if r.bind(req, &args) {
		req.Instance.(Instance).SendMouseMove(args.Event, args.MouseLeave)
	}
	return nil
}

func (r *routes) mouseWheel(ctx context.Context, req *handler.Request) *message.Reply {
	var args struct {
		Event  MouseEvent `json:"event"`
		DeltaX int        `json:"deltaX"`
		DeltaY int        `json:"deltaY"`
	}
	if r.bind(req, &args) {
		req.Instance.(Instance).SendMouseWheel(args.Event, args.DeltaX, args.DeltaY)
	}
	return nil
}

func (r *routes) keyboardEvent(ctx context.Context, req *handler.Request) *message.Reply {
	var args struct {
		Event KeyEvent `json:"event"`
	}
	if r.bind(req, &args) {
		req.Instance.(Instance).SendKey(args.Event)
	}
	return nil
}
