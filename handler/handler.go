// Package handler holds the routing table the dispatcher consults for inbound
// Calls: (target, method) → HandlerFunc, plus per-route options.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"hostbridge/message"
)

var ErrDuplicateRoute = errors.New("route already registered")

// HandlerFunc runs one inbound Call. Returning nil sends no Reply; that is
// the norm for notifications and for handlers that answer later through
// Request.Responder.
type HandlerFunc func(ctx context.Context, req *Request) *message.Reply

// Responder enqueues a Reply produced outside the dispatcher goroutine.
type Responder interface {
	Reply(reply *message.Reply) error
}

// InstanceLookup resolves the opaque instanceId carried by a Call. The
// registry behind it belongs to the embedding application.
type InstanceLookup interface {
	Lookup(id int) (any, bool)
}

// LookupFunc adapts a function to InstanceLookup.
type LookupFunc func(id int) (any, bool)

func (f LookupFunc) Lookup(id int) (any, bool) { return f(id) }

// Request is what a handler sees.
type Request struct {
	Call *message.Call
	// Instance is the resolved target when the route requires one, else nil.
	Instance  any
	Route     *Route
	Responder Responder
}

// Notification reports whether the caller expects no Reply.
func (r *Request) Notification() bool {
	return r.Route != nil && r.Route.Notification
}

// Bind decodes the call arguments into v.
func (r *Request) Bind(v any) error {
	return r.Call.Bind(v)
}

// OK builds a successful Reply for this request.
func (r *Request) OK(value any) *message.Reply {
	return message.MustReply(r.Call.ID, value)
}

// Fail builds a failed Reply for this request. Notifications get nil.
func (r *Request) Fail(errValue any) *message.Reply {
	if r.Notification() {
		return nil
	}
	if err, ok := errValue.(error); ok {
		errValue = err.Error()
	}
	return message.NewErrorReply(r.Call.ID, errValue)
}

// Route is one registered (target, method) pair.
type Route struct {
	Target           string
	Method           string
	Handler          HandlerFunc
	RequiresInstance bool
	Notification     bool
}

func (r *Route) Name() string { return r.Target + "." + r.Method }

type RouteOption func(*Route)

// RequiresInstance makes the dispatcher resolve instanceId before calling the
// handler. An unknown id is answered with a failure Reply.
func RequiresInstance() RouteOption {
	return func(r *Route) { r.RequiresInstance = true }
}

// Notification marks the route fire-and-forget: the peer expects no Reply.
func Notification() RouteOption {
	return func(r *Route) { r.Notification = true }
}

// Table is safe for concurrent use; routes are usually registered before the
// dispatcher starts but may be added later.
type Table struct {
	mu     sync.RWMutex
	routes map[routeKey]*Route
}

type routeKey struct {
	target, method string
}

func NewTable() *Table {
	return &Table{routes: make(map[routeKey]*Route)}
}

func (t *Table) Register(target, method string, fn HandlerFunc, opts ...RouteOption) error {
	if target == "" || method == "" || fn == nil {
		return fmt.Errorf("register %q.%q: target, method and handler are required", target, method)
	}
	route := &Route{Target: target, Method: method, Handler: fn}
	for _, opt := range opts {
		opt(route)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	k := routeKey{target, method}
	if _, exists := t.routes[k]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, route.Name())
	}
	t.routes[k] = route
	return nil
}

func (t *Table) Lookup(target, method string) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[routeKey{target, method}]
	return r, ok
}

// Routes lists "Target.Method" names in sorted order.
func (t *Table) Routes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		names = append(names, r.Name())
	}
	sort.Strings(names)
	return names
}
