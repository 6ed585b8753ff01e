package browser

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hostbridge/bridge"
	"hostbridge/message"
	"hostbridge/relay"
	"hostbridge/script"
)

type host struct {
	endpoint  *bridge.Endpoint
	instances *Instances
	worker    *script.Worker
	shutdown  chan struct{}
}

func newHost(t *testing.T) *host {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &host{
		instances: NewInstances(),
		worker:    script.NewWorker(0),
		shutdown:  make(chan struct{}),
	}
	h.endpoint = bridge.New(bridge.WithLogger(logger), bridge.WithInstances(h.instances))
	factory := HeadlessFactory(h.endpoint, nil, script.NewGojaEvaluator(time.Second), h.instances, logger)
	require.NoError(t, Register(h.endpoint.Handlers(), h.instances, factory, h.worker,
		WithLogger(logger),
		OnShutdown(func() { close(h.shutdown) }),
	))
	h.endpoint.Start(context.Background())
	t.Cleanup(func() {
		h.endpoint.Close()
		h.worker.Stop()
	})
	return h
}

type wireReply struct {
	RequestID   string          `json:"requestId"`
	Success     bool            `json:"success"`
	ReturnValue json.RawMessage `json:"returnValue"`
	Error       json.RawMessage `json:"error"`
}

// call pushes one Call and returns its Reply. Calls the host raises meanwhile
// are answered with success so that synchronous events do not stall.
func (h *host) call(t *testing.T, method string, instanceID int, args any) wireReply {
	t.Helper()
	c, err := message.NewCall(classOf(method), method, instanceID, args)
	require.NoError(t, err)
	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.NoError(t, h.endpoint.Inbound().Push(data))
	return h.replyTo(t, c.ID.String())
}

func (h *host) notify(t *testing.T, method string, instanceID int, args any) {
	t.Helper()
	c, err := message.NewCall(classOf(method), method, instanceID, args)
	require.NoError(t, err)
	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.NoError(t, h.endpoint.Inbound().Push(data))
}

func (h *host) replyTo(t *testing.T, token string) wireReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		data, err := h.endpoint.Outbound().Pop(ctx)
		require.NoError(t, err, "no reply for %s", token)

		var r wireReply
		require.NoError(t, json.Unmarshal(data, &r))
		if r.RequestID == token {
			return r
		}
		if r.RequestID == "" {
			h.answer(data)
		}
	}
}

// answer replies to a host-raised call the way an application would.
func (h *host) answer(data []byte) {
	var c message.Call
	if json.Unmarshal(data, &c) != nil || c.Method == "" {
		return
	}
	var value any = true
	if c.Method == "GetViewRect" {
		value = Rect{Width: 1024, Height: 768}
	}
	if reply, err := json.Marshal(message.MustReply(c.ID, value)); err == nil {
		h.endpoint.Inbound().Push(reply)
	}
}

// ackLoop answers host-raised calls until ctx ends. Replies are discarded.
func (h *host) ackLoop(ctx context.Context) {
	for {
		data, err := h.endpoint.Outbound().Pop(ctx)
		if err != nil {
			return
		}
		h.answer(data)
	}
}

func classOf(method string) string {
	switch method {
	case "CreateBrowser", "Shutdown":
		return ClientTarget
	default:
		return BrowserTarget
	}
}

func (h *host) create(t *testing.T, url string) *Headless {
	t.Helper()
	r := h.call(t, "CreateBrowser", 0, CreateArgs{URL: url, Rectangle: Rect{Width: 800, Height: 600}})
	require.True(t, r.Success, string(r.Error))
	var id int
	require.NoError(t, json.Unmarshal(r.ReturnValue, &id))
	inst, ok := h.instances.Get(id)
	require.True(t, ok)
	return inst.(*Headless)
}

// sync waits until every notification queued so far has been dispatched.
func (h *host) sync(t *testing.T, id int) {
	t.Helper()
	h.call(t, "CanGoBack", id, nil)
}

func TestCreateBrowserAndNavigate(t *testing.T) {
	h := newHost(t)
	b := h.create(t, "https://example.com/")
	assert.Equal(t, 1, b.ID())

	r := h.call(t, "CanGoBack", b.ID(), nil)
	assert.True(t, r.Success)
	assert.JSONEq(t, "false", string(r.ReturnValue))

	h.notify(t, "LoadUrl", b.ID(), map[string]string{"url": "https://example.com/next"})
	r = h.call(t, "CanGoBack", b.ID(), nil)
	assert.JSONEq(t, "true", string(r.ReturnValue))

	h.notify(t, "Back", b.ID(), nil)
	r = h.call(t, "CanGoForward", b.ID(), nil)
	assert.JSONEq(t, "true", string(r.ReturnValue))
	assert.Equal(t, "https://example.com/", b.URL())

	h.notify(t, "Forward", b.ID(), nil)
	h.sync(t, b.ID())
	assert.Equal(t, "https://example.com/next", b.URL())
}

func TestUnknownBrowserFails(t *testing.T) {
	h := newHost(t)
	r := h.call(t, "CanGoBack", 9, nil)
	assert.False(t, r.Success)
	assert.JSONEq(t, `"Browser instance 9 not found."`, string(r.Error))
}

func TestEvalJavaScript(t *testing.T) {
	h := newHost(t)
	b := h.create(t, "about:blank")

	r := h.call(t, "EvalJavaScript", b.ID(), map[string]any{"code": "({sum: 1 + 2})", "scriptUrl": "test.js", "startLine": 1})
	require.True(t, r.Success, string(r.Error))
	var result string
	require.NoError(t, json.Unmarshal(r.ReturnValue, &result))
	assert.JSONEq(t, `{"sum":3}`, result)

	r = h.call(t, "EvalJavaScript", b.ID(), map[string]any{"code": "throw new Error('nope')", "scriptUrl": "test.js", "startLine": 1})
	assert.False(t, r.Success)
	var evalErr script.EvalError
	require.NoError(t, json.Unmarshal(r.Error, &evalErr))
	assert.Contains(t, evalErr.Message, "nope")
	assert.Equal(t, "test.js", evalErr.ScriptResourceName)
}

func TestEditingCommands(t *testing.T) {
	h := newHost(t)
	b := h.create(t, "about:blank")

	h.notify(t, "Focus", b.ID(), map[string]bool{"focus": true})
	for _, ch := range "hello" {
		h.notify(t, "OnKeyboardEvent", b.ID(), map[string]any{"event": KeyEvent{Type: KeyChar, Character: string(ch)}})
	}
	h.notify(t, "SelectAll", b.ID(), nil)
	h.notify(t, "Cut", b.ID(), nil)
	h.sync(t, b.ID())
	assert.Equal(t, "", b.Text())

	h.notify(t, "Paste", b.ID(), nil)
	h.notify(t, "Paste", b.ID(), nil)
	h.sync(t, b.ID())
	assert.Equal(t, "hellohello", b.Text())

	h.notify(t, "Undo", b.ID(), nil)
	h.sync(t, b.ID())
	assert.Equal(t, "hello", b.Text())

	h.notify(t, "Redo", b.ID(), nil)
	h.sync(t, b.ID())
	assert.Equal(t, "hellohello", b.Text())
}

func TestTryCloseRemovesBrowser(t *testing.T) {
	h := newHost(t)
	b := h.create(t, "about:blank")

	r := h.call(t, "TryClose", b.ID(), nil)
	assert.JSONEq(t, "true", string(r.ReturnValue))
	assert.True(t, b.Closed())
	assert.Zero(t, h.instances.Len())
}

func TestBusyWorkerFailsCallWithoutBlocking(t *testing.T) {
	h := newHost(t)
	b := h.create(t, "about:blank")

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, h.worker.Go(func() { <-release }))
	for {
		err := h.worker.Go(func() {})
		if errors.Is(err, script.ErrWorkerBusy) {
			break
		}
		require.NoError(t, err)
	}

	r := h.call(t, "TryClose", b.ID(), nil)
	assert.False(t, r.Success)
	assert.Contains(t, string(r.Error), script.ErrWorkerBusy.Error())
	assert.False(t, b.Closed())

	// The dispatcher is still free for calls that stay on it.
	r = h.call(t, "CanGoBack", b.ID(), nil)
	assert.True(t, r.Success)
}

func TestShutdownClosesEveryBrowser(t *testing.T) {
	h := newHost(t)
	first := h.create(t, "about:blank")
	second := h.create(t, "about:blank")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.ackLoop(ctx)
	h.notify(t, "Shutdown", 0, nil)

	select {
	case <-h.shutdown:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown hook not called")
	}
	assert.True(t, first.Closed())
	assert.True(t, second.Closed())
	<-h.instances.Empty()
}

func TestWasResizedAsksApplication(t *testing.T) {
	h := newHost(t)
	b := h.create(t, "about:blank")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.ackLoop(ctx)

	h.notify(t, "WasResized", b.ID(), nil)
	assert.Eventually(t, func() bool {
		return b.Rect().Width == 1024
	}, 3*time.Second, 10*time.Millisecond)
}

type recordedCall struct {
	method string
	args   json.RawMessage
}

type fakeCaller struct {
	mu     sync.Mutex
	calls  []recordedCall
	answer func(method string, out any) error
}

func (f *fakeCaller) record(method string, args any) {
	raw, _ := json.Marshal(args)
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, args: raw})
	f.mu.Unlock()
}

func (f *fakeCaller) EnqueueCall(target, method string, instanceID int, args any) (message.Token, error) {
	f.record(method, args)
	return message.NewToken(), nil
}

func (f *fakeCaller) Invoke(ctx context.Context, target, method string, instanceID int, args, out any) error {
	f.record(method, args)
	if f.answer == nil {
		return nil
	}
	return f.answer(method, out)
}

func (f *fakeCaller) last(t *testing.T) recordedCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeProcess struct{}

func (fakeProcess) PID() int     { return 42 }
func (fakeProcess) Close() error { return nil }

type fakeDuplicator struct{ fail bool }

func (fakeDuplicator) Open(pid int) (relay.Process, error) { return fakeProcess{}, nil }

func (d fakeDuplicator) Duplicate(h relay.Handle, p relay.Process) (relay.Handle, error) {
	if d.fail {
		return 0, errors.New("access denied")
	}
	return h + 0x1000, nil
}

func TestAcceleratedPaintRelaysHandle(t *testing.T) {
	r := relay.New(relay.WithDuplicator(fakeDuplicator{}))
	require.NoError(t, r.Initialize(42))
	caller := &fakeCaller{}
	ev := NewEvents(caller, r, 1, zaptest.NewLogger(t))

	require.NoError(t, ev.OnAcceleratedPaint(context.Background(), 0, 1, 0x20))
	call := caller.last(t)
	assert.Equal(t, "OnAcceleratedPaint", call.method)
	assert.JSONEq(t, `{"elementType":0,"format":1,"sharedTextureHandle":4128}`, string(call.args))
}

func TestAcceleratedPaintWithoutHandshake(t *testing.T) {
	caller := &fakeCaller{}
	ev := NewEvents(caller, relay.New(relay.WithDuplicator(fakeDuplicator{})), 1, nil)

	require.NoError(t, ev.OnAcceleratedPaint(context.Background(), 0, 1, 0x20))
	var args map[string]any
	require.NoError(t, json.Unmarshal(caller.last(t).args, &args))
	assert.Nil(t, args["sharedTextureHandle"])
	assert.Equal(t, true, args["resourceUnavailable"])
	assert.Equal(t, relay.ErrTargetProcessUnavailable.Error(), args["resourceError"])
}

func TestAcceleratedPaintDuplicationFails(t *testing.T) {
	r := relay.New(relay.WithDuplicator(fakeDuplicator{fail: true}))
	require.NoError(t, r.Initialize(42))
	caller := &fakeCaller{}
	ev := NewEvents(caller, r, 1, nil)

	require.NoError(t, ev.OnAcceleratedPaint(context.Background(), 0, 1, 0x20))
	var args map[string]any
	require.NoError(t, json.Unmarshal(caller.last(t).args, &args))
	assert.Nil(t, args["sharedTextureHandle"])
	assert.Contains(t, args["resourceError"], "access denied")
}

func TestSynchronousEventDefaults(t *testing.T) {
	caller := &fakeCaller{answer: func(method string, out any) error {
		return context.DeadlineExceeded
	}}
	ev := NewEvents(caller, nil, 1, nil)
	ev.SetTimeout(10 * time.Millisecond)

	fallback := Rect{Width: 640, Height: 480}
	assert.Equal(t, fallback, ev.GetViewRect(context.Background(), fallback))
	assert.True(t, ev.OnBeforePopup(context.Background(), Popup{TargetURL: "https://popup"}))
	assert.Error(t, ev.OnBeforeClose(context.Background()))
}

func TestBeforePopupAnswer(t *testing.T) {
	caller := &fakeCaller{answer: func(method string, out any) error {
		*(out.(*bool)) = false
		return nil
	}}
	ev := NewEvents(caller, nil, 1, nil)
	assert.False(t, ev.OnBeforePopup(context.Background(), Popup{TargetURL: "https://popup"}))
}

func TestInstancesRegistry(t *testing.T) {
	reg := NewInstances()
	select {
	case <-reg.Empty():
	default:
		t.Fatal("new registry should be empty")
	}

	a := NewHeadless(reg.Reserve(), CreateArgs{})
	b := NewHeadless(reg.Reserve(), CreateArgs{})
	reg.Add(a)
	reg.Add(b)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, []Instance{a, b}, reg.All())

	empty := reg.Empty()
	reg.Remove(a.ID())
	select {
	case <-empty:
		t.Fatal("registry still holds a browser")
	default:
	}
	reg.Remove(b.ID())
	<-empty

	_, ok := reg.Lookup(a.ID())
	assert.False(t, ok)
	assert.Equal(t, 3, reg.Reserve())
}
