// Package bridge ties the queues, the correlation table and the handler table
// into one Endpoint. Both the host and the application run an Endpoint; the
// only difference is who listens and who dials.
//
//	caller goroutines ──EnqueueCall/Send/Reply──→ outbound ──→ network goroutine
//	network goroutine ──→ inbound ──→ dispatcher ──┬─ Reply → pending.Table.Resolve
//	                                               └─ Call  → handler.Table → Reply → outbound
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"hostbridge/codec"
	"hostbridge/handler"
	"hostbridge/message"
	"hostbridge/metrics"
	"hostbridge/middleware"
	"hostbridge/pending"
	"hostbridge/queue"
)

// ErrClosed is returned by the caller API after Close.
var ErrClosed = errors.New("endpoint closed")

// decodePreviewSize bounds how much of an undecodable payload is logged.
const decodePreviewSize = 256

// Endpoint is one side of the bridge.
type Endpoint struct {
	codec     codec.Codec
	handlers  *handler.Table
	instances handler.InstanceLookup
	table     *pending.Table
	inbound   *queue.Queue[[]byte]
	outbound  *queue.Queue[[]byte]
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	middlewares []middleware.Middleware
	chained     map[*handler.Route]handler.HandlerFunc

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(opts ...Option) *Endpoint {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	e := &Endpoint{
		codec:       o.codec,
		handlers:    o.handlers,
		instances:   o.instances,
		logger:      o.logger.Named("bridge"),
		metrics:     o.metrics,
		middlewares: o.middlewares,
		chained:     make(map[*handler.Route]handler.HandlerFunc),
		done:        make(chan struct{}),
	}
	e.table = pending.NewTable(
		pending.WithDefaultTimeout(o.callTimeout),
		pending.WithObserver(o.metrics),
	)
	e.inbound = queue.New[[]byte](
		queue.WithCapacity(o.inboundCapacity, o.overflow),
		queue.WithOverflowHook(func() { e.metrics.RecordQueueOverflow("inbound") }),
	)
	e.outbound = queue.New[[]byte](
		queue.WithCapacity(o.outboundCapacity, o.overflow),
		queue.WithOverflowHook(func() { e.metrics.RecordQueueOverflow("outbound") }),
	)
	return e
}

// Handlers exposes the route table for registration.
func (e *Endpoint) Handlers() *handler.Table { return e.handlers }

// Inbound is the queue the network goroutine pushes reassembled payloads to.
func (e *Endpoint) Inbound() *queue.Queue[[]byte] { return e.inbound }

// Outbound is the queue the network goroutine drains.
func (e *Endpoint) Outbound() *queue.Queue[[]byte] { return e.outbound }

// Pending reports the number of calls awaiting a reply.
func (e *Endpoint) Pending() int { return e.table.Len() }

// SetInstances installs the instance registry used by RequiresInstance routes.
func (e *Endpoint) SetInstances(l handler.InstanceLookup) {
	e.mu.Lock()
	e.instances = l
	e.mu.Unlock()
}

// Use appends a middleware. It applies to calls dispatched after it returns.
func (e *Endpoint) Use(mw middleware.Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middlewares = append(e.middlewares, mw)
	clear(e.chained)
}

// Start launches the dispatcher goroutine. Later calls are no-ops.
func (e *Endpoint) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)
		go e.run(ctx)
	})
}

// Close stops the dispatcher, fails every pending call and rejects further
// calls. It is idempotent.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.inbound.Close()
		e.outbound.Close()
		e.table.Abandon(pending.ErrConnectionLost)
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
	})
	return nil
}

// Connected records that a new peer attached.
func (e *Endpoint) Connected() {
	e.logger.Debug("peer connected")
}

// Disconnected is called by the network side once the connection is gone.
// Every outstanding call fails with pending.ErrConnectionLost and frames that
// never reached the old peer are dropped. It returns the number of calls failed.
func (e *Endpoint) Disconnected(cause error) int {
	n := e.table.Abandon(pending.ErrConnectionLost)
	dropped := len(e.outbound.Drain())
	e.metrics.SetQueueDepth("outbound", 0)
	e.logger.Info("peer disconnected",
		zap.Error(cause),
		zap.Int("abandoned", n),
		zap.Int("dropped", dropped),
	)
	return n
}

func (e *Endpoint) run(ctx context.Context) {
	defer close(e.done)
	for {
		payload, err := e.inbound.Pop(ctx)
		if err != nil {
			return
		}
		e.metrics.SetQueueDepth("inbound", e.inbound.Len())
		e.dispatch(ctx, payload)
	}
}

// dispatch handles one inbound payload. It never returns an error: every
// failure is logged and, where the peer is waiting, answered.
func (e *Endpoint) dispatch(ctx context.Context, payload []byte) {
	env, err := message.Unmarshal(e.codec, payload)
	if err != nil {
		e.metrics.RecordDecodeFailure()
		e.logger.Warn("dropping undecodable message",
			zap.Error(err),
			zap.Int("size", len(payload)),
			zap.String("preview", message.Preview(payload, decodePreviewSize)),
		)
		return
	}

	if env.Kind() == message.KindReply {
		if !e.table.Resolve(env.Reply) {
			e.logger.Debug("reply for unknown call", zap.Stringer("requestId", env.Reply.RequestID))
		}
		return
	}

	call := env.Call
	route, ok := e.handlers.Lookup(call.Target, call.Method)
	if !ok {
		e.metrics.RecordDispatch(call.Route(), "unknown", 0)
		e.logger.Warn("unknown method",
			zap.String("target", call.Target),
			zap.String("method", call.Method),
		)
		return
	}

	req := &handler.Request{Call: call, Route: route, Responder: e}
	if route.RequiresInstance {
		inst, found := e.lookupInstance(call.InstanceID)
		if !found {
			text := fmt.Sprintf("%s instance %d not found.", call.Target, call.InstanceID)
			e.metrics.RecordDispatch(call.Route(), "no_instance", 0)
			if route.Notification {
				e.logger.Warn("dropping call for missing instance",
					zap.String("route", call.Route()),
					zap.Int("instance", call.InstanceID),
				)
				return
			}
			e.reply(message.NewErrorReply(call.ID, text))
			return
		}
		req.Instance = inst
	}

	if reply := e.wrapped(route)(ctx, req); reply != nil {
		e.reply(reply)
	}
}

func (e *Endpoint) lookupInstance(id int) (any, bool) {
	e.mu.Lock()
	l := e.instances
	e.mu.Unlock()
	if l == nil {
		return nil, false
	}
	return l.Lookup(id)
}

func (e *Endpoint) wrapped(route *handler.Route) handler.HandlerFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.chained[route]; ok {
		return h
	}
	h := middleware.Chain(e.middlewares...)(route.Handler)
	e.chained[route] = h
	return h
}

func (e *Endpoint) reply(r *message.Reply) {
	if err := e.Reply(r); err != nil {
		e.logger.Warn("failed to enqueue reply", zap.Stringer("requestId", r.RequestID), zap.Error(err))
	}
}
